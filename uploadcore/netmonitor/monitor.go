package netmonitor

import (
	"sync"
	"time"
)

const (
	// sizingWindow is how many recent outcomes the chunk-size decision looks at.
	sizingWindow = 10
	// concurrencyWindow is how many recent outcomes the concurrency decision looks at.
	concurrencyWindow = 5
	// minSamples below this the monitor has no signal and keeps its recommendation.
	minSamples = 3
)

// Config holds the sizing bounds and the empirical decision thresholds.
// The thresholds have no derivation; they are tuning knobs, not constants.
type Config struct {
	HistorySize int

	MinChunkSize     int
	MaxChunkSize     int
	DefaultChunkSize int

	// ShrinkSuccessRate below it the recommendation shrinks by 0.7x.
	ShrinkSuccessRate float64
	// GrowSuccessRate above it, together with GrowMinSpeed, grows by 1.2x.
	GrowSuccessRate float64
	// GrowMinSpeed in bytes/sec.
	GrowMinSpeed float64
	// FloorSpeed below it the recommendation snaps to MinChunkSize.
	FloorSpeed float64

	ConcurrentSuccessRate float64
	ConcurrentMinSpeed    float64
}

// UploadMetric is one observed chunk-upload outcome.
type UploadMetric struct {
	Size      int
	Elapsed   time.Duration
	Success   bool
	Timestamp time.Time
	// Speed in bytes/sec, derived when Elapsed is positive.
	Speed float64
}

// Monitor converts recent upload outcomes into a recommended chunk size and a
// concurrency permission flag. It is shared by every in-flight upload: the
// window reflects the shared network path, not one connection. All methods
// are safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	metrics []UploadMetric // ring buffer
	start   int
	count   int
	current int
}

// New returns a monitor recommending cfg.DefaultChunkSize until it has signal.
func New(cfg Config) *Monitor {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	return &Monitor{
		cfg:     cfg,
		metrics: make([]UploadMetric, cfg.HistorySize),
		current: cfg.DefaultChunkSize,
	}
}

// Record appends one outcome, evicting the oldest when the buffer is full.
func (m *Monitor) Record(size int, elapsed time.Duration, success bool) {
	metric := UploadMetric{
		Size:      size,
		Elapsed:   elapsed,
		Success:   success,
		Timestamp: time.Now(),
	}
	if elapsed > 0 {
		metric.Speed = float64(size) / elapsed.Seconds()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count < len(m.metrics) {
		m.metrics[(m.start+m.count)%len(m.metrics)] = metric
		m.count++
		return
	}
	m.metrics[m.start] = metric
	m.start = (m.start + 1) % len(m.metrics)
}

// OptimalChunkSize returns the advised chunk size for the next round of
// uploads, always within [MinChunkSize, MaxChunkSize]. Callers are free to
// ignore it; the engine accepts whatever chunk sizes arrive.
func (m *Monitor) OptimalChunkSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count < minSamples {
		return m.current
	}

	window := m.recent(sizingWindow)
	var successful []UploadMetric
	for _, metric := range window {
		if metric.Success {
			successful = append(successful, metric)
		}
	}

	if len(successful) == 0 {
		// no recent successes at all: back off hard
		m.current = maxInt(m.cfg.MinChunkSize, m.current/2)
		return m.current
	}

	avgSpeed, ok := averageSpeed(successful)
	if !ok {
		return m.current
	}

	successRate := float64(len(successful)) / float64(len(window))

	switch {
	case successRate < m.cfg.ShrinkSuccessRate:
		m.current = maxInt(m.cfg.MinChunkSize, int(float64(m.current)*0.7))
	case successRate > m.cfg.GrowSuccessRate && avgSpeed > m.cfg.GrowMinSpeed:
		m.current = minInt(m.cfg.MaxChunkSize, int(float64(m.current)*1.2))
	case avgSpeed < m.cfg.FloorSpeed:
		m.current = m.cfg.MinChunkSize
	}

	return m.current
}

// AllowConcurrent reports whether the connection looks stable and fast enough
// for the client to upload several chunks in parallel.
func (m *Monitor) AllowConcurrent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count < concurrencyWindow {
		return false
	}

	window := m.recent(concurrencyWindow)
	var successful []UploadMetric
	for _, metric := range window {
		if metric.Success {
			successful = append(successful, metric)
		}
	}
	if len(successful) == 0 {
		return false
	}

	avgSpeed, ok := averageSpeed(successful)
	if !ok {
		return false
	}

	successRate := float64(len(successful)) / float64(len(window))
	return successRate > m.cfg.ConcurrentSuccessRate && avgSpeed > m.cfg.ConcurrentMinSpeed
}

// Samples reports how many outcomes the buffer currently holds.
func (m *Monitor) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// recent returns up to n newest metrics, oldest first. Caller holds mu.
func (m *Monitor) recent(n int) []UploadMetric {
	if n > m.count {
		n = m.count
	}
	out := make([]UploadMetric, 0, n)
	for i := m.count - n; i < m.count; i++ {
		out = append(out, m.metrics[(m.start+i)%len(m.metrics)])
	}
	return out
}

// averageSpeed averages positive speeds; ok is false when none exist.
func averageSpeed(metrics []UploadMetric) (float64, bool) {
	var sum float64
	var n int
	for _, metric := range metrics {
		if metric.Speed > 0 {
			sum += metric.Speed
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
