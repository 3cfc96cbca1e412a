// Package perfmonitor measures how long request handling takes and keeps
// running totals for the statistics endpoint.
package perfmonitor

import (
	"sync"
	"time"
)

// PerformanceMonitor times a single span. It is not safe for concurrent use;
// create one per measurement.
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a monitor with no span recorded.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// Start records the beginning of the span and clears any previous end.
func (pm *PerformanceMonitor) Start() {
	pm.startTime = time.Now()
	pm.endTime = time.Time{}
}

// Stop records the end of the span. It does nothing if Start was not called.
func (pm *PerformanceMonitor) Stop() {
	if pm.startTime.IsZero() {
		return
	}

	pm.endTime = time.Now()
}

// Reset clears the span.
func (pm *PerformanceMonitor) Reset() {
	pm.startTime = time.Time{}
	pm.endTime = time.Time{}
}

// ElapsedMilliseconds returns the span length in milliseconds, or 0 when
// the span is incomplete.
func (pm *PerformanceMonitor) ElapsedMilliseconds() float64 {
	if pm.startTime.IsZero() || pm.endTime.IsZero() {
		return 0
	}

	return float64(pm.endTime.Sub(pm.startTime)) / float64(time.Millisecond)
}

// Recorder aggregates spans by name. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	spans map[string]*Summary
}

// Summary is the aggregate of every span recorded under one name.
type Summary struct {
	Count   uint64  `json:"count"`
	TotalMs float64 `json:"total_ms"`
	MaxMs   float64 `json:"max_ms"`
}

// AvgMs returns the mean span length.
func (s Summary) AvgMs() float64 {
	if s.Count == 0 {
		return 0
	}

	return s.TotalMs / float64(s.Count)
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{spans: make(map[string]*Summary)}
}

// Observe adds a completed monitor's span under name.
func (r *Recorder) Observe(name string, pm *PerformanceMonitor) {
	r.Add(name, pm.ElapsedMilliseconds())
}

// Add records a span of ms milliseconds under name.
func (r *Recorder) Add(name string, ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.spans[name]
	if !ok {
		s = &Summary{}
		r.spans[name] = s
	}

	s.Count++
	s.TotalMs += ms
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
}

// Snapshot returns a copy of every summary.
func (r *Recorder) Snapshot() map[string]Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Summary, len(r.spans))
	for name, s := range r.spans {
		out[name] = *s
	}

	return out
}
