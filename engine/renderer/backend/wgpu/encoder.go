package wgpu

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	"github.com/cogentcore/webgpu/wgpu"
)

type encoder struct {
	backend *Backend
	cb      *commandBuffer
	enc     *wgpu.CommandEncoder
	// transient views live until the encoder is finished.
	transient []*wgpu.TextureView
}

var _ gpu.CommandEncoder = &encoder{}

// TransitionImageLayout is a no-op. WebGPU derives every transition from how the texture is used.
func (e *encoder) TransitionImageLayout(barrier gpu.ImageBarrier) {}

// ClearColorImage records an empty render pass whose load op clears the image.
func (e *encoder) ClearColorImage(image gpu.Image, layout gpu.ImageLayout, color [4]float32) {
	t, ok := image.Native().(*texture)
	if !ok {
		common.Logger().Error("[WGPU] clear of a foreign image")
		return
	}
	tex := t.current()
	if tex == nil {
		common.Logger().Error("[WGPU] clear of an image without texture", "error", ErrNoTexture)
		return
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		common.Logger().Error("[WGPU] create clear view", "error", err)
		return
	}
	e.transient = append(e.transient, view)

	pass := e.enc.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{
			{
				View:    view,
				LoadOp:  wgpu.LoadOpClear,
				StoreOp: wgpu.StoreOpStore,
				ClearValue: wgpu.Color{
					R: float64(color[0]),
					G: float64(color[1]),
					B: float64(color[2]),
					A: float64(color[3]),
				},
			},
		},
	})
	pass.End()
	pass.Release()
}

// Native returns the *wgpu.CommandEncoder being recorded.
func (e *encoder) Native() any { return e.enc }

func (e *encoder) End() error {
	defer func() {
		for _, v := range e.transient {
			v.Release()
		}
		e.transient = nil
		e.enc.Release()
	}()

	buf, err := e.enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish command encoder: %w", err)
	}
	e.cb.mu.Lock()
	e.cb.finished = buf
	e.cb.mu.Unlock()
	return nil
}
