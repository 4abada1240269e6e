// Package ratelimit enforces the hub throughput quotas shared by every device on a node.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/metrics"
)

// Dimension is one independently quota-bounded category of hub operation.
type Dimension string

const (
	// RegistryOperations covers device create/delete calls, quota per minute.
	RegistryOperations Dimension = "registryOperations"

	// TwinReads covers twin reads, quota per second.
	TwinReads Dimension = "twinReads"

	// TwinWrites covers reported property updates, quota per second.
	TwinWrites Dimension = "twinWrites"

	// Connections covers device connections, quota per second.
	Connections Dimension = "connections"

	// Messages covers telemetry messages, bounded per second and per day.
	Messages Dimension = "messages"
)

// Dimensions lists every dimension in a stable order.
var Dimensions = []Dimension{RegistryOperations, TwinReads, TwinWrites, Connections, Messages}

// Config holds the quotas. Zero values use the defaults, negative values are invalid.
type Config struct {
	// RegistryOperationsPerMinute (default: 100).
	RegistryOperationsPerMinute int

	// TwinReadsPerSecond (default: 10).
	TwinReadsPerSecond int

	// TwinWritesPerSecond (default: 10).
	TwinWritesPerSecond int

	// ConnectionsPerSecond (default: 120).
	ConnectionsPerSecond int

	// MessagesPerSecond (default: 120).
	MessagesPerSecond int

	// MessagesPerDay (default: 400000).
	MessagesPerDay int

	// Metrics records denials (optional).
	Metrics *metrics.Collector

	// Clock returns the current time (default: time.Now in UTC).
	Clock func() time.Time
}

// window counts grants in fixed periods aligned to the clock.
type window struct {
	quota  int
	period time.Duration
	start  time.Time
	used   int
}

func (w *window) roll(now time.Time) {
	start := now.Truncate(w.period)
	if !start.Equal(w.start) {
		w.start = start
		w.used = 0
	}
}

func (w *window) available() int {
	return w.quota - w.used
}

// Limiter is a non-blocking quota enforcer safe for concurrent use.
// A dimension never grants more than its quota within one window.
type Limiter struct {
	mu      sync.Mutex
	windows map[Dimension][]*window
	config  Config
}

// New creates a Limiter.
// Returns an error wrapping fleetsim.ErrInvalidConfiguration for negative quotas.
func New(cfg Config) (*Limiter, error) {
	quotas := []struct {
		name  string
		value *int
		def   int
	}{
		{"RegistryOperationsPerMinute", &cfg.RegistryOperationsPerMinute, 100},
		{"TwinReadsPerSecond", &cfg.TwinReadsPerSecond, 10},
		{"TwinWritesPerSecond", &cfg.TwinWritesPerSecond, 10},
		{"ConnectionsPerSecond", &cfg.ConnectionsPerSecond, 120},
		{"MessagesPerSecond", &cfg.MessagesPerSecond, 120},
		{"MessagesPerDay", &cfg.MessagesPerDay, 400000},
	}
	for _, q := range quotas {
		if *q.value < 0 {
			return nil, fmt.Errorf("%w: %s must not be negative, got %d", fleetsim.ErrInvalidConfiguration, q.name, *q.value)
		}
		if *q.value == 0 {
			*q.value = q.def
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Limiter{
		config: cfg,
		windows: map[Dimension][]*window{
			RegistryOperations: {{quota: cfg.RegistryOperationsPerMinute, period: time.Minute}},
			TwinReads:          {{quota: cfg.TwinReadsPerSecond, period: time.Second}},
			TwinWrites:         {{quota: cfg.TwinWritesPerSecond, period: time.Second}},
			Connections:        {{quota: cfg.ConnectionsPerSecond, period: time.Second}},
			Messages: {
				{quota: cfg.MessagesPerSecond, period: time.Second},
				{quota: cfg.MessagesPerDay, period: 24 * time.Hour},
			},
		},
	}, nil
}

// TryAcquire takes count tokens from a dimension and reports whether it succeeded.
// It never blocks; callers treat false as "try again next tick". Counts below 1 take 1.
// For Messages the per-second and per-day quotas are checked and consumed together.
func (l *Limiter) TryAcquire(d Dimension, count int) bool {
	if count < 1 {
		count = 1
	}

	l.mu.Lock()
	windows, ok := l.windows[d]
	if !ok {
		l.mu.Unlock()
		return false
	}

	now := l.config.Clock()
	granted := true
	for _, w := range windows {
		w.roll(now)
		if w.available() < count {
			granted = false
		}
	}
	if granted {
		for _, w := range windows {
			w.used += count
		}
	}
	l.mu.Unlock()

	if !granted && l.config.Metrics != nil {
		l.config.Metrics.IncRateLimitDenials(string(d))
	}
	return granted
}

// Remaining returns the tokens left in the current window of a dimension,
// the smallest across its windows.
func (l *Limiter) Remaining(d Dimension) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	windows, ok := l.windows[d]
	if !ok {
		return 0
	}

	now := l.config.Clock()
	remaining := -1
	for _, w := range windows {
		w.roll(now)
		if remaining < 0 || w.available() < remaining {
			remaining = w.available()
		}
	}
	return remaining
}
