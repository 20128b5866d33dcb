package wgpu

// BackendBuilderOption configures a Backend during NewBackend.
type BackendBuilderOption func(*Backend)

// WithForceFallbackAdapter requests the software adapter instead of a hardware one.
func WithForceFallbackAdapter(force bool) BackendBuilderOption {
	return func(b *Backend) {
		b.forceFallbackAdapter = force
	}
}

// WithDeviceLabel sets the debug label of the requested device.
func WithDeviceLabel(label string) BackendBuilderOption {
	return func(b *Backend) {
		if label != "" {
			b.label = label
		}
	}
}
