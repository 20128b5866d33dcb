//go:build !oxy_release

package common

import "fmt"

// AssertionsEnabled reports whether failed assertions panic. Release builds (tag oxy_release) only log them.
const AssertionsEnabled = true

// Assert panics with the given message when cond is false.
// Used for contract violations that indicate a programming error rather than a runtime condition.
//
// Parameters:
//   - cond: the condition that must hold
//   - msg: the message describing the violated contract
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf is Assert with a formatted message.
//
// Parameters:
//   - cond: the condition that must hold
//   - format: the format string describing the violated contract
//   - args: the format arguments
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
