package vulkan

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/gpu"
	vk "github.com/vulkan-go/vulkan"
)

// Backend implements gpu.Backend on top of Vulkan.
// Semaphores and fences are native. Each queue family keeps a completion goroutine that waits on one
// internal fence per submission, in submission order, to resolve the submission futures.
type Backend struct {
	instance vk.Instance
	physical vk.PhysicalDevice
	device   vk.Device
	memory   vk.PhysicalDeviceMemoryProperties

	queues   [gpu.QueueFamilyCount]*queue
	families [gpu.QueueFamilyCount]uint32

	deviceID int

	fenceMu    *sync.Mutex
	freeFences []vk.Fence

	completions sync.WaitGroup
	released    atomic.Bool
}

var _ gpu.Backend = &Backend{}

type queue struct {
	// mu is shared by every family that maps to the same native queue.
	mu      *sync.Mutex
	handle  vk.Queue
	index   uint32
	pending chan pendingSubmit
}

type pendingSubmit struct {
	fence vk.Fence
	done  *gpu.Future
}

// Surface is the native value of a gpu.Surface created for this backend.
type Surface struct {
	surface vk.Surface
	size    func() gpu.Extent2D
}

// NewSurface wraps a Vulkan surface created by the window layer.
//
// Parameters:
//   - surface: the Vulkan surface
//   - size: reports the current framebuffer size of the window behind the surface
//
// Returns:
//   - gpu.Surface: the backend-neutral surface
func NewSurface(surface vk.Surface, size func() gpu.Extent2D) gpu.Surface {
	return gpu.NewSurface(&Surface{surface: surface, size: size})
}

type image struct {
	handle vk.Image
	memory vk.DeviceMemory
	owned  bool
}

type swapchain struct {
	handle  vk.Swapchain
	surface *Surface
	extent  gpu.Extent2D
}

type commandBuffer struct {
	pool   vk.CommandPool
	handle vk.CommandBuffer
	family gpu.QueueFamily
}

// NewInstance creates the Vulkan instance the window layer creates surfaces from.
// vk.Init must have been called with a loader before.
//
// Parameters:
//   - appName: the application name reported to the driver
//   - extensions: the instance extensions required by the window system
//
// Returns:
//   - vk.Instance: the instance
//   - error: an error if the instance could not be created
func NewInstance(appName string, extensions []string) (vk.Instance, error) {
	names := make([]string, len(extensions))
	for i, e := range extensions {
		names[i] = safeString(e)
	}
	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
			ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
			PApplicationName:   safeString(appName),
			PEngineName:        safeString("oxy-frame"),
		},
		EnabledExtensionCount:   uint32(len(names)),
		PpEnabledExtensionNames: names,
	}, nil, &instance)
	if err := newError(ret); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, fmt.Errorf("init instance: %w", err)
	}
	return instance, nil
}

// NewBackend picks a physical device able to present to surface and creates the logical device.
//
// Parameters:
//   - instance: the instance created by NewInstance
//   - surface: the surface the graphics queue must present to; may be the zero value for offscreen rendering
//   - options: functional options applied to the backend
//
// Returns:
//   - *Backend: the backend owning the device
//   - error: an error if no suitable device exists
func NewBackend(instance vk.Instance, surface gpu.Surface, options ...BackendBuilderOption) (*Backend, error) {
	b := &Backend{
		instance: instance,
		fenceMu:  &sync.Mutex{},
	}
	for _, opt := range options {
		opt(b)
	}

	var count uint32
	if err := newError(vk.EnumeratePhysicalDevices(instance, &count, nil)); err != nil {
		return nil, fmt.Errorf("enumerate physical devices: %w", err)
	}
	if count == 0 {
		return nil, errors.New("vulkan: no physical devices")
	}
	physicals := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(instance, &count, physicals)

	var vkSurface vk.Surface
	if s, ok := surface.Native().(*Surface); ok {
		vkSurface = s.surface
	}

	var families [gpu.QueueFamilyCount]uint32
	found := -1
	for i, p := range physicals {
		if b.deviceID > 0 && i != b.deviceID {
			continue
		}
		if f, ok := selectQueueFamilies(p, vkSurface); ok {
			families = f
			found = i
			break
		}
	}
	if found < 0 {
		return nil, errors.New("vulkan: no device with a graphics queue that can present")
	}
	b.physical = physicals[found]
	b.families = families
	vk.GetPhysicalDeviceMemoryProperties(b.physical, &b.memory)
	b.memory.Deref()

	unique := uniqueFamilies(families)
	queueInfos := make([]vk.DeviceQueueCreateInfo, 0, len(unique))
	for _, index := range unique {
		queueInfos = append(queueInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: index,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		})
	}
	extensions := []string{safeString("VK_KHR_swapchain")}
	var device vk.Device
	ret := vk.CreateDevice(b.physical, &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
	}, nil, &device)
	if err := newError(ret); err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	b.device = device

	shared := make(map[uint32]*queue, len(unique))
	for family := range gpu.QueueFamilyCount {
		index := families[family]
		q := &queue{index: index, pending: make(chan pendingSubmit, 64)}
		if other, ok := shared[index]; ok {
			q.mu = other.mu
			q.handle = other.handle
		} else {
			q.mu = &sync.Mutex{}
			vk.GetDeviceQueue(device, index, 0, &q.handle)
			shared[index] = q
		}
		b.queues[family] = q
		b.completions.Add(1)
		go b.completeSubmissions(q)
	}

	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(b.physical, &props)
	props.Deref()
	common.Logger().Info("[Vulkan] device created",
		"device", vk.ToString(props.DeviceName[:]),
		"graphics", families[gpu.QueueFamilyGraphics],
		"compute", families[gpu.QueueFamilyCompute],
		"transfer", families[gpu.QueueFamilyTransfer],
	)
	return b, nil
}

// selectQueueFamilies prefers dedicated compute and transfer families and falls back to the graphics family.
func selectQueueFamilies(p vk.PhysicalDevice, surface vk.Surface) ([gpu.QueueFamilyCount]uint32, bool) {
	var out [gpu.QueueFamilyCount]uint32
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(p, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(p, &count, props)

	graphics, compute, transfer := -1, -1, -1
	for i := range props {
		props[i].Deref()
		flags := props[i].QueueFlags
		index := uint32(i)
		isGraphics := flags&vk.QueueFlags(vk.QueueGraphicsBit) != 0
		isCompute := flags&vk.QueueFlags(vk.QueueComputeBit) != 0
		isTransfer := flags&vk.QueueFlags(vk.QueueTransferBit) != 0

		if isGraphics && graphics < 0 {
			canPresent := true
			if surface != vk.NullSurface {
				var supported vk.Bool32
				vk.GetPhysicalDeviceSurfaceSupport(p, index, surface, &supported)
				canPresent = supported.B()
			}
			if canPresent {
				graphics = i
			}
		}
		if isCompute && !isGraphics && compute < 0 {
			compute = i
		}
		if isTransfer && !isGraphics && !isCompute && transfer < 0 {
			transfer = i
		}
	}
	if graphics < 0 {
		return out, false
	}
	out[gpu.QueueFamilyGraphics] = uint32(graphics)
	out[gpu.QueueFamilyCompute] = uint32(common.Coalesce(compute+1, graphics+1) - 1)
	out[gpu.QueueFamilyTransfer] = uint32(common.Coalesce(transfer+1, compute+1, graphics+1) - 1)
	return out, true
}

func uniqueFamilies(families [gpu.QueueFamilyCount]uint32) []uint32 {
	out := make([]uint32, 0, len(families))
	for _, f := range families {
		seen := false
		for _, o := range out {
			if o == f {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, f)
		}
	}
	return out
}

// Device returns the Vulkan device, for recording commands the gpu.CommandEncoder interface does not cover.
func (b *Backend) Device() vk.Device { return b.device }

// NativeQueueFamily returns the Vulkan queue family index a logical family maps to.
func (b *Backend) NativeQueueFamily(family gpu.QueueFamily) uint32 { return b.families[family] }

func (b *Backend) Name() string { return "vulkan" }

func (b *Backend) Capabilities() gpu.Capabilities {
	return gpu.Capabilities{
		AcquireImageSemaphore: true,
		PresentImageSemaphore: true,
		NativeFences:          true,
	}
}

func (b *Backend) CreateSemaphore() (any, error) {
	var sem vk.Semaphore
	ret := vk.CreateSemaphore(b.device, &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}, nil, &sem)
	if err := newError(ret); err != nil {
		return nil, err
	}
	return sem, nil
}

func (b *Backend) DestroySemaphore(native any) {
	if sem, ok := native.(vk.Semaphore); ok {
		vk.DestroySemaphore(b.device, sem, nil)
	}
}

func (b *Backend) CreateFence(signaled bool) (any, error) {
	var flags vk.FenceCreateFlags
	if signaled {
		flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	ret := vk.CreateFence(b.device, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
		Flags: flags,
	}, nil, &fence)
	if err := newError(ret); err != nil {
		return nil, err
	}
	return fence, nil
}

func (b *Backend) DestroyFence(native any) {
	if fence, ok := native.(vk.Fence); ok {
		vk.DestroyFence(b.device, fence, nil)
	}
}

func (b *Backend) FenceStatus(native any) gpu.FenceStatus {
	if vk.GetFenceStatus(b.device, native.(vk.Fence)) == vk.Success {
		return gpu.FenceStatusSignaled
	}
	return gpu.FenceStatusUnsignaled
}

func (b *Backend) WaitFence(native any, timeout time.Duration) gpu.FenceWaitResult {
	var ns uint64 = vk.MaxUint64
	if timeout >= 0 {
		ns = uint64(timeout.Nanoseconds())
	}
	switch vk.WaitForFences(b.device, 1, []vk.Fence{native.(vk.Fence)}, vk.True, ns) {
	case vk.Success:
		return gpu.FenceWaitSuccess
	case vk.Timeout:
		return gpu.FenceWaitTimeout
	default:
		return gpu.FenceWaitError
	}
}

func (b *Backend) ResetFence(native any) {
	vk.ResetFences(b.device, 1, []vk.Fence{native.(vk.Fence)})
}

// CreateCommandBuffer gives every command buffer its own pool, so buffers can be recorded from any runner concurrently.
func (b *Backend) CreateCommandBuffer(family gpu.QueueFamily) (gpu.CommandBuffer, error) {
	var pool vk.CommandPool
	ret := vk.CreateCommandPool(b.device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: b.families[family],
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}, nil, &pool)
	if err := newError(ret); err != nil {
		return gpu.CommandBuffer{}, fmt.Errorf("create command pool: %w", err)
	}
	buffers := make([]vk.CommandBuffer, 1)
	ret = vk.AllocateCommandBuffers(b.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, buffers)
	if err := newError(ret); err != nil {
		vk.DestroyCommandPool(b.device, pool, nil)
		return gpu.CommandBuffer{}, fmt.Errorf("allocate command buffer: %w", err)
	}
	return gpu.NewCommandBuffer(&commandBuffer{pool: pool, handle: buffers[0], family: family}, family), nil
}

func (b *Backend) DestroyCommandBuffer(cb gpu.CommandBuffer) {
	c, ok := cb.Native().(*commandBuffer)
	if !ok {
		return
	}
	vk.FreeCommandBuffers(b.device, c.pool, 1, []vk.CommandBuffer{c.handle})
	vk.DestroyCommandPool(b.device, c.pool, nil)
}

func (b *Backend) BeginEncoding(cb gpu.CommandBuffer) (gpu.CommandEncoder, error) {
	c, ok := cb.Native().(*commandBuffer)
	if !ok {
		return nil, errors.New("vulkan: foreign command buffer")
	}
	if err := newError(vk.ResetCommandBuffer(c.handle, 0)); err != nil {
		return nil, fmt.Errorf("reset command buffer: %w", err)
	}
	ret := vk.BeginCommandBuffer(c.handle, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if err := newError(ret); err != nil {
		return nil, fmt.Errorf("begin command buffer: %w", err)
	}
	return &encoder{backend: b, cb: c}, nil
}

func (b *Backend) Submit(family gpu.QueueFamily, batch gpu.SubmitBatch) (*gpu.Future, error) {
	if b.released.Load() {
		return nil, gpu.ErrDeviceLost
	}

	buffers := make([]vk.CommandBuffer, 0, len(batch.CommandBuffers))
	for _, cb := range batch.CommandBuffers {
		c, ok := cb.Native().(*commandBuffer)
		if !ok {
			return nil, errors.New("vulkan: foreign command buffer")
		}
		buffers = append(buffers, c.handle)
	}
	waits := nativeSemaphores(batch.WaitSemaphores)
	signals := nativeSemaphores(batch.SignalSemaphores)
	info := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(waits)),
		PWaitSemaphores:      waits,
		CommandBufferCount:   uint32(len(buffers)),
		PCommandBuffers:      buffers,
		SignalSemaphoreCount: uint32(len(signals)),
		PSignalSemaphores:    signals,
	}
	if len(waits) > 0 {
		stages := make([]vk.PipelineStageFlags, len(waits))
		for i := range stages {
			stages[i] = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
			if i < len(batch.WaitStages) && batch.WaitStages[i] != gpu.PipelineStageNone {
				stages[i] = vk.PipelineStageFlags(batch.WaitStages[i])
			}
		}
		info.PWaitDstStageMask = stages
	}

	completion, err := b.acquireFence()
	if err != nil {
		return nil, err
	}
	userFence, hasUserFence := batch.Fence.Native().(vk.Fence)

	q := b.queues[family]
	q.mu.Lock()
	if hasUserFence {
		ret := vk.QueueSubmit(q.handle, 1, []vk.SubmitInfo{info}, userFence)
		if err := newError(ret); err != nil {
			q.mu.Unlock()
			b.releaseFence(completion)
			return nil, fmt.Errorf("queue submit: %w", err)
		}
		// An empty submission signals the completion fence once every prior batch on the queue finished.
		ret = vk.QueueSubmit(q.handle, 0, nil, completion)
		q.mu.Unlock()
		if err := newError(ret); err != nil {
			return nil, fmt.Errorf("queue completion submit: %w", err)
		}
	} else {
		ret := vk.QueueSubmit(q.handle, 1, []vk.SubmitInfo{info}, completion)
		q.mu.Unlock()
		if err := newError(ret); err != nil {
			b.releaseFence(completion)
			return nil, fmt.Errorf("queue submit: %w", err)
		}
	}

	done := gpu.NewFuture()
	q.pending <- pendingSubmit{fence: completion, done: done}
	return done, nil
}

func nativeSemaphores(views []gpu.SemaphoreView) []vk.Semaphore {
	if len(views) == 0 {
		return nil
	}
	out := make([]vk.Semaphore, 0, len(views))
	for _, v := range views {
		if sem, ok := v.Native().(vk.Semaphore); ok {
			out = append(out, sem)
		}
	}
	return out
}

func (b *Backend) acquireFence() (vk.Fence, error) {
	b.fenceMu.Lock()
	if n := len(b.freeFences); n > 0 {
		f := b.freeFences[n-1]
		b.freeFences = b.freeFences[:n-1]
		b.fenceMu.Unlock()
		return f, nil
	}
	b.fenceMu.Unlock()

	native, err := b.CreateFence(false)
	if err != nil {
		return nil, fmt.Errorf("create completion fence: %w", err)
	}
	return native.(vk.Fence), nil
}

func (b *Backend) releaseFence(f vk.Fence) {
	b.fenceMu.Lock()
	b.freeFences = append(b.freeFences, f)
	b.fenceMu.Unlock()
}

func (b *Backend) completeSubmissions(q *queue) {
	defer b.completions.Done()
	for p := range q.pending {
		ret := vk.WaitForFences(b.device, 1, []vk.Fence{p.fence}, vk.True, vk.MaxUint64)
		if err := newError(ret); err != nil {
			common.Logger().Error("[Vulkan] submission wait failed", "error", err)
			p.done.Resolve(gpu.ErrDeviceLost)
			continue
		}
		vk.ResetFences(b.device, 1, []vk.Fence{p.fence})
		b.releaseFence(p.fence)
		p.done.Resolve(nil)
	}
}

func (b *Backend) SurfaceCapabilities(surface gpu.Surface) (gpu.SurfaceCapabilities, error) {
	s, ok := surface.Native().(*Surface)
	if !ok {
		return gpu.SurfaceCapabilities{}, errors.New("vulkan: foreign surface")
	}
	var native vk.SurfaceCapabilities
	if err := newError(vk.GetPhysicalDeviceSurfaceCapabilities(b.physical, s.surface, &native)); err != nil {
		return gpu.SurfaceCapabilities{}, fmt.Errorf("surface capabilities: %w", err)
	}
	native.Deref()
	native.CurrentExtent.Deref()
	native.MinImageExtent.Deref()
	native.MaxImageExtent.Deref()

	caps := gpu.SurfaceCapabilities{
		MinImageCount:  native.MinImageCount,
		MaxImageCount:  native.MaxImageCount,
		CurrentExtent:  gpu.Extent2D{Width: native.CurrentExtent.Width, Height: native.CurrentExtent.Height},
		MinExtent:      gpu.Extent2D{Width: native.MinImageExtent.Width, Height: native.MinImageExtent.Height},
		MaxExtent:      gpu.Extent2D{Width: native.MaxImageExtent.Width, Height: native.MaxImageExtent.Height},
		MaxArrayLayers: native.MaxImageArrayLayers,
		MaxSampleCount: 1,
		SupportedUsage: fromImageUsage(vk.ImageUsageFlagBits(native.SupportedUsageFlags)),
	}
	// The surface size is decided by the swapchain.
	if native.CurrentExtent.Width == vk.MaxUint32 {
		caps.CurrentExtent = s.size()
	}

	var count uint32
	vk.GetPhysicalDeviceSurfaceFormats(b.physical, s.surface, &count, nil)
	formats := make([]vk.SurfaceFormat, count)
	vk.GetPhysicalDeviceSurfaceFormats(b.physical, s.surface, &count, formats)
	for i := range formats {
		formats[i].Deref()
		if f, ok := fromFormat(formats[i].Format); ok {
			caps.Formats = append(caps.Formats, f)
		}
	}

	vk.GetPhysicalDeviceSurfacePresentModes(b.physical, s.surface, &count, nil)
	modes := make([]vk.PresentMode, count)
	vk.GetPhysicalDeviceSurfacePresentModes(b.physical, s.surface, &count, modes)
	for _, m := range modes {
		if mode, ok := fromPresentMode(m); ok {
			caps.PresentModes = append(caps.PresentModes, mode)
		}
	}
	return caps, nil
}

func (b *Backend) CreateSwapchain(desc gpu.SwapchainDescriptor) (gpu.Swapchain, error) {
	s, ok := desc.Surface.Native().(*Surface)
	if !ok {
		return gpu.Swapchain{}, errors.New("vulkan: foreign surface")
	}
	format, ok := toFormat(desc.Format)
	if !ok {
		return gpu.Swapchain{}, gpu.ErrUnsupportedFormat
	}
	if desc.Extent.IsZero() {
		return gpu.Swapchain{}, gpu.ErrInvalidExtent
	}

	var native vk.SurfaceCapabilities
	vk.GetPhysicalDeviceSurfaceCapabilities(b.physical, s.surface, &native)
	native.Deref()

	preTransform := vk.SurfaceTransformIdentityBit
	if vk.SurfaceTransformFlagBits(native.SupportedTransforms)&preTransform == 0 {
		preTransform = native.CurrentTransform
	}
	compositeAlpha := vk.CompositeAlphaOpaqueBit
	for _, flag := range []vk.CompositeAlphaFlagBits{
		vk.CompositeAlphaOpaqueBit,
		vk.CompositeAlphaPreMultipliedBit,
		vk.CompositeAlphaPostMultipliedBit,
		vk.CompositeAlphaInheritBit,
	} {
		if native.SupportedCompositeAlpha&vk.CompositeAlphaFlags(flag) != 0 {
			compositeAlpha = flag
			break
		}
	}

	old := vk.NullSwapchain
	if o, ok := desc.Old.Handle.(*swapchain); ok {
		old = o.handle
	}
	var handle vk.Swapchain
	ret := vk.CreateSwapchain(b.device, &vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          s.surface,
		MinImageCount:    desc.ImageCount,
		ImageFormat:      format,
		ImageColorSpace:  vk.ColorSpaceSrgbNonlinear,
		ImageExtent:      vk.Extent2D{Width: desc.Extent.Width, Height: desc.Extent.Height},
		ImageArrayLayers: common.Coalesce(desc.ArrayLayers, 1),
		ImageUsage:       vk.ImageUsageFlags(toImageUsage(desc.Usage)),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     preTransform,
		CompositeAlpha:   compositeAlpha,
		PresentMode:      toPresentMode(desc.PresentMode),
		Clipped:          vk.True,
		OldSwapchain:     old,
	}, nil, &handle)
	if ret == vk.ErrorOutOfDate {
		return gpu.Swapchain{}, gpu.ErrSwapchainOutOfDate
	}
	if err := newError(ret); err != nil {
		return gpu.Swapchain{}, fmt.Errorf("create swapchain: %w", err)
	}

	var count uint32
	vk.GetSwapchainImages(b.device, handle, &count, nil)
	handles := make([]vk.Image, count)
	vk.GetSwapchainImages(b.device, handle, &count, handles)
	images := make([]gpu.Image, count)
	for i, h := range handles {
		images[i] = gpu.NewImage(&image{handle: h})
	}

	common.Logger().Debug("[Vulkan] swapchain created", "images", count, "width", desc.Extent.Width, "height", desc.Extent.Height)
	return gpu.Swapchain{
		Handle: &swapchain{handle: handle, surface: s, extent: desc.Extent},
		Images: images,
		Format: desc.Format,
		Extent: desc.Extent,
	}, nil
}

func (b *Backend) DestroySwapchain(sc gpu.Swapchain) {
	if s, ok := sc.Handle.(*swapchain); ok {
		vk.DestroySwapchain(b.device, s.handle, nil)
	}
}

func (b *Backend) CreateImage(desc gpu.ImageDescriptor) (gpu.Image, error) {
	format, ok := toFormat(desc.Format)
	if !ok {
		return gpu.Image{}, gpu.ErrUnsupportedFormat
	}
	if desc.Extent.IsZero() {
		return gpu.Image{}, gpu.ErrInvalidExtent
	}

	var handle vk.Image
	ret := vk.CreateImage(b.device, &vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Format:        format,
		Extent:        vk.Extent3D{Width: desc.Extent.Width, Height: desc.Extent.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(toImageUsage(desc.Usage)),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &handle)
	if err := newError(ret); err != nil {
		return gpu.Image{}, fmt.Errorf("create image: %w", err)
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(b.device, handle, &reqs)
	reqs.Deref()
	typeIndex, ok := b.memoryType(reqs.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if !ok {
		vk.DestroyImage(b.device, handle, nil)
		return gpu.Image{}, errors.New("vulkan: no device local memory type for image")
	}
	var memory vk.DeviceMemory
	ret = vk.AllocateMemory(b.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: typeIndex,
	}, nil, &memory)
	if err := newError(ret); err != nil {
		vk.DestroyImage(b.device, handle, nil)
		return gpu.Image{}, fmt.Errorf("allocate image memory: %w", err)
	}
	if err := newError(vk.BindImageMemory(b.device, handle, memory, 0)); err != nil {
		vk.FreeMemory(b.device, memory, nil)
		vk.DestroyImage(b.device, handle, nil)
		return gpu.Image{}, fmt.Errorf("bind image memory: %w", err)
	}
	return gpu.NewImage(&image{handle: handle, memory: memory, owned: true}), nil
}

func (b *Backend) memoryType(bits uint32, props vk.MemoryPropertyFlags) (uint32, bool) {
	for i := uint32(0); i < b.memory.MemoryTypeCount; i++ {
		t := b.memory.MemoryTypes[i]
		t.Deref()
		if bits&(1<<i) != 0 && t.PropertyFlags&props == props {
			return i, true
		}
	}
	return 0, false
}

func (b *Backend) DestroyImage(img gpu.Image) {
	i, ok := img.Native().(*image)
	if !ok || !i.owned {
		return
	}
	vk.DestroyImage(b.device, i.handle, nil)
	vk.FreeMemory(b.device, i.memory, nil)
}

func (b *Backend) CreateImageView(img gpu.Image, format gpu.Format) (gpu.ImageView, error) {
	i, ok := img.Native().(*image)
	if !ok {
		return gpu.ImageView{}, errors.New("vulkan: foreign image")
	}
	f, ok := toFormat(format)
	if !ok {
		return gpu.ImageView{}, gpu.ErrUnsupportedFormat
	}
	var view vk.ImageView
	ret := vk.CreateImageView(b.device, &vk.ImageViewCreateInfo{
		SType:  vk.StructureTypeImageViewCreateInfo,
		Image:  i.handle,
		Format: f,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleR,
			G: vk.ComponentSwizzleG,
			B: vk.ComponentSwizzleB,
			A: vk.ComponentSwizzleA,
		},
		SubresourceRange: colorRange(),
		ViewType:         vk.ImageViewType2d,
	}, nil, &view)
	if err := newError(ret); err != nil {
		return gpu.ImageView{}, fmt.Errorf("create image view: %w", err)
	}
	return gpu.NewImageView(view), nil
}

func (b *Backend) DestroyImageView(view gpu.ImageView) {
	if v, ok := view.Native().(vk.ImageView); ok {
		vk.DestroyImageView(b.device, v, nil)
	}
}

func (b *Backend) AcquireNextImage(sc gpu.Swapchain, timeout time.Duration, semaphore gpu.SemaphoreView, fence gpu.FenceView) (uint32, gpu.AcquireResult) {
	s, ok := sc.Handle.(*swapchain)
	if !ok {
		return 0, gpu.AcquireError
	}
	sem, ok := semaphore.Native().(vk.Semaphore)
	if !ok {
		sem = vk.NullSemaphore
	}
	f, ok := fence.Native().(vk.Fence)
	if !ok {
		f = vk.NullFence
	}

	var index uint32
	ret := vk.AcquireNextImage(b.device, s.handle, uint64(timeout.Nanoseconds()), sem, f, &index)
	switch ret {
	case vk.Success:
		return index, gpu.AcquireSuccess
	case vk.Suboptimal:
		return index, gpu.AcquireSuboptimal
	case vk.Timeout, vk.NotReady:
		return 0, gpu.AcquireTimeout
	case vk.ErrorOutOfDate:
		return 0, gpu.AcquireOutOfDate
	default:
		common.Logger().Error("[Vulkan] acquire failed", "error", newError(ret))
		return 0, gpu.AcquireError
	}
}

func (b *Backend) Present(sc gpu.Swapchain, imageIndex uint32, waits []gpu.SemaphoreView) error {
	s, ok := sc.Handle.(*swapchain)
	if !ok {
		return errors.New("vulkan: foreign swapchain")
	}
	semaphores := nativeSemaphores(waits)
	q := b.queues[gpu.QueueFamilyGraphics]
	q.mu.Lock()
	ret := vk.QueuePresent(q.handle, &vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(semaphores)),
		PWaitSemaphores:    semaphores,
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{s.handle},
		PImageIndices:      []uint32{imageIndex},
	})
	q.mu.Unlock()

	switch ret {
	case vk.Success:
		return nil
	case vk.Suboptimal, vk.ErrorOutOfDate:
		return gpu.ErrSwapchainOutOfDate
	case vk.ErrorDeviceLost:
		return gpu.ErrDeviceLost
	default:
		return newError(ret)
	}
}

// Tick is a no-op. Completions are resolved by the per-queue completion goroutines.
func (b *Backend) Tick() {}

func (b *Backend) WaitIdle() {
	if b.released.Load() {
		return
	}
	vk.DeviceWaitIdle(b.device)
}

// Release waits for the device, stops the completion goroutines and destroys the device.
// The instance and surfaces belong to the window layer.
func (b *Backend) Release() {
	if b.released.Swap(true) {
		return
	}
	vk.DeviceWaitIdle(b.device)
	for _, q := range b.queues {
		close(q.pending)
	}
	b.completions.Wait()

	b.fenceMu.Lock()
	for _, f := range b.freeFences {
		vk.DestroyFence(b.device, f, nil)
	}
	b.freeFences = nil
	b.fenceMu.Unlock()

	vk.DestroyDevice(b.device, nil)
	common.Logger().Info("[Vulkan] device released")
}
