package profiler

import (
	"runtime"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-frame/common"
	"github.com/Carmen-Shannon/oxy-frame/engine/renderer/framegraph"
)

// Stats summarizes the frames of one update interval.
type Stats struct {
	FPS float64
	// Frames counts the frames whose GPU work finished in the interval.
	Frames    int
	Presented int
	// AvgCPUTime is the mean time from frame start until its CPU work finished.
	AvgCPUTime time.Duration
	// AvgFrameTime is the mean time from frame start until its GPU work finished.
	AvgFrameTime time.Duration
	MaxFrameTime time.Duration
}

// Profiler tracks frame rate, framegraph timings and memory statistics for performance monitoring.
// Outputs stats to the log at a configurable interval.
type Profiler struct {
	mu             *sync.Mutex
	frameCount     int
	lastTime       time.Time
	updateInterval time.Duration
	memStats       runtime.MemStats
	lastGCCount    uint32
	lastTotalAlloc uint64

	observed  int
	presented int
	cpuSum    time.Duration
	totalSum  time.Duration
	totalMax  time.Duration
	last      Stats
}

// NewProfiler creates a new Profiler with default settings.
// Update interval defaults to 1 second.
//
// Parameters:
//   - options: functional options applied to the profiler
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfiler(options ...ProfilerBuilderOption) *Profiler {
	p := &Profiler{
		mu:             &sync.Mutex{},
		lastTime:       time.Now(),
		updateInterval: time.Second,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Observe records a finished frame. It is meant to be registered with framegraph.WithFrameObserver
// and may be called from any goroutine.
//
// Parameters:
//   - stats: the timings of the finished frame
func (p *Profiler) Observe(stats framegraph.FrameStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observed++
	if stats.HasImage {
		p.presented++
	}
	p.cpuSum += stats.CPUTime
	p.totalSum += stats.TotalTime
	p.totalMax = max(p.totalMax, stats.TotalTime)
}

// Last returns the stats of the most recently logged interval.
func (p *Profiler) Last() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Tick should be called once per frame to track frame timing.
// Logs performance statistics when the update interval has elapsed.
// Statistics include: FPS, framegraph CPU and GPU timings, heap usage, allocation rate, GC count/pause times, total memory.
//
// Returns:
//   - bool: true if stats were logged this tick, false otherwise
func (p *Profiler) Tick() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.frameCount++
	currentTime := time.Now()
	elapsed := currentTime.Sub(p.lastTime)
	if elapsed < p.updateInterval {
		return false
	}

	stats := Stats{
		Frames:       p.observed,
		Presented:    p.presented,
		MaxFrameTime: p.totalMax,
	}
	if elapsed > 0 {
		stats.FPS = float64(p.frameCount) / elapsed.Seconds()
	}
	if p.observed > 0 {
		stats.AvgCPUTime = p.cpuSum / time.Duration(p.observed)
		stats.AvgFrameTime = p.totalSum / time.Duration(p.observed)
	}

	runtime.ReadMemStats(&p.memStats)
	// Alloc: Bytes of allocated heap objects (live memory)
	// TotalAlloc: Cumulative bytes allocated for heap objects (increases forever, tracks churn)
	// Sys: Total bytes of memory obtained from the OS (actual process footprint)
	allocMB := float64(p.memStats.Alloc) / 1024 / 1024
	sysMB := float64(p.memStats.Sys) / 1024 / 1024

	var allocRateMB float64
	if elapsed > 0 {
		allocRateMB = float64(p.memStats.TotalAlloc-p.lastTotalAlloc) / 1024 / 1024 / elapsed.Seconds()
	}

	gcCount := p.memStats.NumGC
	var lastPauseUs, maxPauseUs uint64
	if gcCount > 0 {
		// PauseNs is a circular buffer of last 256 GC pauses
		lastPauseUs = p.memStats.PauseNs[(gcCount-1)%256] / 1000

		startIdx := p.lastGCCount
		if gcCount-startIdx > 256 {
			startIdx = gcCount - 256
		}
		for i := startIdx; i < gcCount; i++ {
			maxPauseUs = max(maxPauseUs, p.memStats.PauseNs[i%256]/1000)
		}
	}

	common.Logger().Info("[Profiler] stats",
		"fps", stats.FPS,
		"frames", stats.Frames,
		"presented", stats.Presented,
		"cpu_avg", stats.AvgCPUTime,
		"frame_avg", stats.AvgFrameTime,
		"frame_max", stats.MaxFrameTime,
		"heap_mb", allocMB,
		"alloc_rate_mb_s", allocRateMB,
		"gc", gcCount,
		"gc_last_us", lastPauseUs,
		"gc_max_us", maxPauseUs,
		"sys_mb", sysMB,
	)

	p.last = stats
	p.frameCount = 0
	p.lastTime = currentTime
	p.lastGCCount = gcCount
	p.lastTotalAlloc = p.memStats.TotalAlloc
	p.observed, p.presented = 0, 0
	p.cpuSum, p.totalSum, p.totalMax = 0, 0, 0
	return true
}
