package vulkan

// BackendBuilderOption configures a Backend during NewBackend.
type BackendBuilderOption func(*Backend)

// WithPhysicalDevice restricts device selection to the physical device at index id. Zero picks the first suitable device.
func WithPhysicalDevice(id int) BackendBuilderOption {
	return func(b *Backend) {
		b.deviceID = id
	}
}
