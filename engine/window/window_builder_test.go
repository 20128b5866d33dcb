package window

import "testing"

func TestBuilderOptions(t *testing.T) {
	w := &engineWindow{}
	for _, opt := range []WindowBuilderOption{
		WithTitle("frames"),
		WithWidth(800),
		WithHeight(600),
		WithMinWidth(320),
		WithMinHeight(240),
		WithMaxWidth(1920),
		WithMaxHeight(1080),
	} {
		opt(w)
	}
	if w.title != "frames" {
		t.Errorf("title = %q", w.title)
	}
	if w.initialWidth != 800 || w.initialHeight != 600 {
		t.Errorf("initial size = %dx%d", w.initialWidth, w.initialHeight)
	}
	if w.minWidth != 320 || w.minHeight != 240 || w.maxWidth != 1920 || w.maxHeight != 1080 {
		t.Errorf("limits = %d %d %d %d", w.minWidth, w.minHeight, w.maxWidth, w.maxHeight)
	}
}

func TestSizeLimitsClampInitialSize(t *testing.T) {
	tests := []struct {
		name          string
		options       []WindowBuilderOption
		width, height int
	}{
		{"inside", []WindowBuilderOption{WithSize(800, 600), WithSizeLimits(320, 240, 1920, 1080)}, 800, 600},
		{"too large", []WindowBuilderOption{WithSize(4000, 3000), WithSizeLimits(320, 240, 1920, 1080)}, 1920, 1080},
		{"too small", []WindowBuilderOption{WithSize(100, 50), WithSizeLimits(320, 240, 1920, 1080)}, 320, 240},
		{"inverted limits", []WindowBuilderOption{WithSize(100, 50), WithSizeLimits(640, 480, 320, 240)}, 640, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &engineWindow{}
			for _, opt := range tt.options {
				opt(w)
			}
			w.clampInitialSize()
			if w.initialWidth != tt.width || w.initialHeight != tt.height {
				t.Fatalf("initial size = %dx%d, want %dx%d", w.initialWidth, w.initialHeight, tt.width, tt.height)
			}
		})
	}
}

func TestWithResizable(t *testing.T) {
	w := &engineWindow{resizable: true}
	WithResizable(false)(w)
	if w.resizable {
		t.Fatal("window still resizable")
	}
}

func TestSizeIsTrackedSeparatelyFromRequest(t *testing.T) {
	w := &engineWindow{initialWidth: 800, initialHeight: 600}
	if w.Width() != 0 || w.Height() != 0 {
		t.Fatal("framebuffer size reported before the window exists")
	}
	w.setSize(1600, 1200)
	if w.Width() != 1600 || w.Height() != 1200 {
		t.Fatalf("size = %dx%d", w.Width(), w.Height())
	}
}

func TestUninitializedWindow(t *testing.T) {
	w := &engineWindow{}
	if w.IsRunning() {
		t.Error("uninitialized window reports running")
	}
	if err := w.Close(); err == nil {
		t.Error("closing an uninitialized window succeeded")
	}
	if _, err := w.InitVulkan(); err == nil {
		t.Error("InitVulkan on an uninitialized window succeeded")
	}
}
