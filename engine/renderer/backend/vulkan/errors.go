package vulkan

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"
)

// Error is a failed Vulkan call.
type Error struct {
	Result vk.Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("vulkan error: %s (%d)", resultName(e.Result), int32(e.Result))
}

// newError returns nil for vk.Success.
func newError(ret vk.Result) error {
	if ret == vk.Success {
		return nil
	}
	return &Error{Result: ret}
}

func resultName(ret vk.Result) string {
	switch ret {
	case vk.NotReady:
		return "NotReady"
	case vk.Timeout:
		return "Timeout"
	case vk.Incomplete:
		return "Incomplete"
	case vk.Suboptimal:
		return "Suboptimal"
	case vk.ErrorOutOfHostMemory:
		return "ErrorOutOfHostMemory"
	case vk.ErrorOutOfDeviceMemory:
		return "ErrorOutOfDeviceMemory"
	case vk.ErrorInitializationFailed:
		return "ErrorInitializationFailed"
	case vk.ErrorDeviceLost:
		return "ErrorDeviceLost"
	case vk.ErrorExtensionNotPresent:
		return "ErrorExtensionNotPresent"
	case vk.ErrorIncompatibleDriver:
		return "ErrorIncompatibleDriver"
	case vk.ErrorSurfaceLost:
		return "ErrorSurfaceLost"
	case vk.ErrorOutOfDate:
		return "ErrorOutOfDate"
	default:
		return "Unknown"
	}
}

func safeString(s string) string {
	if len(s) > 0 && s[len(s)-1] == 0 {
		return s
	}
	return s + "\x00"
}
