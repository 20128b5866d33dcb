package device

// DeviceBuilderOption is a functional option applied to a LogicalDevice during construction via NewLogicalDevice.
type DeviceBuilderOption func(*LogicalDevice)

// WithIdentifier sets the identifier of the device.
//
// Parameters:
//   - id: the device identifier
//
// Returns:
//   - DeviceBuilderOption: a function that applies the identifier option to a device
func WithIdentifier(id Identifier) DeviceBuilderOption {
	return func(d *LogicalDevice) {
		d.id = id
	}
}

// WithSubmissionRunner pins the queue submission and present jobs to the runner at index.
//
// Parameters:
//   - index: the runner index, clamped to the available runners
//
// Returns:
//   - DeviceBuilderOption: a function that applies the submission runner option to a device
func WithSubmissionRunner(index int) DeviceBuilderOption {
	return func(d *LogicalDevice) {
		d.submissionRunner = max(index, 0)
	}
}

// WithFenceWaiters sets the maximum number of goroutines blocked on fence waits at once.
//
// Parameters:
//   - n: the number of fence waiters
//
// Returns:
//   - DeviceBuilderOption: a function that applies the fence waiter option to a device
func WithFenceWaiters(n int) DeviceBuilderOption {
	return func(d *LogicalDevice) {
		d.fenceWaiterCount = max(n, 1)
	}
}
