// Package actors implements the per-device state machines ticked by the scheduler.
//
// An actor is not a goroutine. Its Tick method is non-blocking: it decides whether
// work is due, asks the rate limiter for quota, and hands any hub I/O to the
// configured dispatcher. Outcomes come back through HandleEvent.
package actors

import (
	"sync/atomic"
	"time"

	"github.com/getpup/fleetsim/hub"
	"github.com/getpup/fleetsim/metrics"
	"github.com/getpup/fleetsim/ratelimit"
	"github.com/getpup/fleetsim/script"
	"github.com/getpup/pupsourcing/es"
)

// EventKind names an actor event. Every event is counted.
type EventKind string

const (
	EventStateUpdated      EventKind = "StateUpdated"
	EventStateUpdateFailed EventKind = "StateUpdateFailed"

	EventRegistering        EventKind = "Registering"
	EventRegistered         EventKind = "Registered"
	EventRegistrationFailed EventKind = "RegistrationFailed"

	EventConnecting       EventKind = "Connecting"
	EventConnected        EventKind = "Connected"
	EventConnectionFailed EventKind = "ConnectionFailed"
	EventDisconnected     EventKind = "Disconnected"

	EventSendingTelemetry     EventKind = "SendingTelemetry"
	EventTelemetrySent        EventKind = "TelemetrySent"
	EventTelemetrySendFailure EventKind = "TelemetrySendFailure"

	EventUpdatingProperties     EventKind = "UpdatingProperties"
	EventPropertiesUpdated      EventKind = "PropertiesUpdated"
	EventPropertiesUpdateFailed EventKind = "PropertiesUpdateFailed"
)

// Limiter grants throttled operations. ratelimit.Limiter implements it.
type Limiter interface {
	TryAcquire(d ratelimit.Dimension, count int) bool
}

// Connectivity reports whether a device currently has a hub connection.
type Connectivity interface {
	IsConnected() bool
}

// Config holds the collaborators shared by all actors of a node.
type Config struct {
	// Hub is the device-hub transport (required for connection, telemetry and twin actors).
	Hub hub.Client

	// Limiter guards every throttled hub operation (required for the same actors).
	Limiter Limiter

	// Interpreter computes device state (required for the state actor).
	Interpreter script.Interpreter

	// Dispatch runs hub I/O off the tick path (default: a new goroutine per call).
	Dispatch func(func())

	// RetryDelay is the wait after a failed registration or connection (default: 5s).
	RetryDelay time.Duration

	// Logger is an optional logger.
	Logger es.Logger

	// Metrics counts actor events (optional).
	Metrics *metrics.Collector

	// Clock returns the current time (default: time.Now in UTC).
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Dispatch == nil {
		c.Dispatch = func(f func()) { go f() }
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Counters are the cumulative attempt and failure counts of one actor.
type Counters struct {
	Total  int64
	Failed int64
}

type counters struct {
	total  atomic.Int64
	failed atomic.Int64
}

func (c *counters) snapshot() Counters {
	return Counters{Total: c.total.Load(), Failed: c.failed.Load()}
}

func (c Config) record(kind EventKind) {
	if c.Metrics != nil {
		c.Metrics.IncActorEvents(string(kind))
	}
}
