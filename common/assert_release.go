//go:build oxy_release

package common

import "fmt"

const AssertionsEnabled = false

func Assert(cond bool, msg string) {
	if !cond {
		Logger().Error("[Assert] " + msg)
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		Logger().Error("[Assert] " + fmt.Sprintf(format, args...))
	}
}
