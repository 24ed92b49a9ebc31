package observe

import (
	"context"
	"sync"
	"time"
)

// ToolMetric aggregates every recorded execution of one tool.
type ToolMetric struct {
	CallCount     int64         `json:"call_count"`
	SuccessCount  int64         `json:"success_count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastCallTime  time.Time     `json:"last_call_time"`
}

// AverageDuration returns TotalDuration / CallCount, or 0 without calls.
func (m ToolMetric) AverageDuration() time.Duration {
	if m.CallCount == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.CallCount)
}

// Summary aggregates all tools tracked by a [Collector].
type Summary struct {
	TotalCalls     int64                 `json:"total_calls"`
	TotalSuccesses int64                 `json:"total_successes"`
	TotalErrors    int64                 `json:"total_errors"`
	SuccessRate    float64               `json:"success_rate"`
	Tools          map[string]ToolMetric `json:"tools"`
}

// CollectorOption configures a [Collector].
type CollectorOption func(*Collector)

// WithWindowSize sets how many recent durations are retained per tool for
// percentile calculation. The default is 1000.
func WithWindowSize(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.windowSize = n
		}
	}
}

// WithOTel additionally records every execution on m's instruments.
func WithOTel(m *Metrics) CollectorOption {
	return func(c *Collector) { c.otel = m }
}

// toolStats pairs the exact counters of one tool with its duration window.
type toolStats struct {
	metric ToolMetric
	window *durationWindow
}

// Collector aggregates per-tool call counts, outcomes and latencies. Counters
// are exact; percentiles are computed over the most recent window of
// durations. Safe for concurrent use.
type Collector struct {
	windowSize int
	otel       *Metrics

	mu    sync.Mutex
	tools map[string]*toolStats
}

// NewCollector returns an empty [Collector].
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		windowSize: defaultWindowSize,
		tools:      make(map[string]*toolStats),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RecordToolExecution records one execution of the named tool. ctx is handed
// to the OTel instruments so samples link to the invocation's span.
func (c *Collector) RecordToolExecution(ctx context.Context, name string, d time.Duration, success bool) {
	c.mu.Lock()
	ts, ok := c.tools[name]
	if !ok {
		ts = &toolStats{window: newDurationWindow(c.windowSize)}
		c.tools[name] = ts
	}

	m := &ts.metric
	if m.CallCount == 0 || d < m.MinDuration {
		m.MinDuration = d
	}
	if d > m.MaxDuration {
		m.MaxDuration = d
	}
	m.CallCount++
	if success {
		m.SuccessCount++
	} else {
		m.ErrorCount++
	}
	m.TotalDuration += d
	m.LastCallTime = time.Now()
	ts.window.add(d)
	c.mu.Unlock()

	if c.otel != nil {
		status := "ok"
		if !success {
			status = "error"
		}
		c.otel.RecordToolCall(ctx, name, status, d)
	}
}

// Tool returns the aggregate for name.
func (c *Collector) Tool(name string) (ToolMetric, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.tools[name]
	if !ok {
		return ToolMetric{}, false
	}
	return ts.metric, true
}

// Summary returns totals across all tools plus a copy of each tool's metric.
// SuccessRate is 0 when nothing has been recorded.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{Tools: make(map[string]ToolMetric, len(c.tools))}
	for name, ts := range c.tools {
		s.Tools[name] = ts.metric
		s.TotalCalls += ts.metric.CallCount
		s.TotalSuccesses += ts.metric.SuccessCount
		s.TotalErrors += ts.metric.ErrorCount
	}
	if s.TotalCalls > 0 {
		s.SuccessRate = float64(s.TotalSuccesses) / float64(s.TotalCalls)
	}
	return s
}

// Percentile returns the p-th percentile (0–100) of the named tool's recent
// durations using the nearest-rank method. It reports false for unknown
// tools.
func (c *Collector) Percentile(name string, p float64) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.tools[name]
	if !ok {
		return 0, false
	}
	return ts.window.percentile(p)
}
