package actors

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/device"
	"github.com/getpup/fleetsim/ratelimit"
)

// DefaultTelemetryInterval applies when a message declares no interval.
const DefaultTelemetryInterval = 10 * time.Second

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// TelemetryActor sends one of a device model's messages on its own interval.
type TelemetryActor struct {
	config Config

	mu       sync.Mutex
	setup    bool
	deviceID string
	message  fleetsim.DeviceModelMessage
	state    *device.State
	conn     Connectivity
	sending  bool
	nextSend time.Time
	counters counters
}

// NewTelemetryActor creates an actor that must be Setup before its first Tick.
func NewTelemetryActor(cfg Config) *TelemetryActor {
	return &TelemetryActor{config: cfg.withDefaults()}
}

// Setup binds the actor to a device message. A second call returns fleetsim.ErrAlreadyInitialized.
func (a *TelemetryActor) Setup(deviceID string, message fleetsim.DeviceModelMessage, state *device.State, conn Connectivity) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.setup {
		return fmt.Errorf("%w: telemetry actor for %s", fleetsim.ErrAlreadyInitialized, a.deviceID)
	}
	a.setup = true
	a.deviceID = deviceID
	a.message = message
	a.state = state
	a.conn = conn
	return nil
}

// Tick sends the message when the device is connected, the interval has elapsed
// and the limiter grants a message. Returns fleetsim.ErrNotInitialized before Setup.
func (a *TelemetryActor) Tick(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	if !a.setup {
		a.mu.Unlock()
		return fmt.Errorf("%w: telemetry actor ticked before setup", fleetsim.ErrNotInitialized)
	}
	ready := !a.sending && !now.Before(a.nextSend)
	a.mu.Unlock()

	if !ready || !a.conn.IsConnected() {
		return nil
	}
	if !a.config.Limiter.TryAcquire(ratelimit.Messages, 1) {
		return nil
	}

	msg := RenderMessage(a.message.MessageTemplate, a.state.Snapshot())

	a.mu.Lock()
	a.sending = true
	a.nextSend = now.Add(a.interval())
	a.mu.Unlock()

	a.HandleEvent(EventSendingTelemetry)
	a.config.Dispatch(func() {
		if err := a.config.Hub.SendTelemetry(ctx, a.deviceID, msg); err != nil {
			if a.config.Logger != nil {
				a.config.Logger.Error(ctx, "telemetry send failed", "deviceID", a.deviceID, "schema", a.message.MessageSchema, "error", err)
			}
			a.HandleEvent(EventTelemetrySendFailure)
			return
		}
		a.HandleEvent(EventTelemetrySent)
	})
	return nil
}

// HandleEvent applies the outcome of a send and counts it.
func (a *TelemetryActor) HandleEvent(kind EventKind) {
	a.config.record(kind)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch kind {
	case EventSendingTelemetry:
		a.counters.total.Add(1)
	case EventTelemetrySent:
		a.sending = false
	case EventTelemetrySendFailure:
		a.counters.failed.Add(1)
		a.sending = false
	}
}

// Counters returns the sent and failed message counts.
func (a *TelemetryActor) Counters() Counters {
	return a.counters.snapshot()
}

func (a *TelemetryActor) interval() time.Duration {
	if a.message.Interval > 0 {
		return a.message.Interval
	}
	return DefaultTelemetryInterval
}

// RenderMessage replaces each ${key} in template with the state value under key.
// Unknown keys are left untouched.
func RenderMessage(template string, state map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := state[key]
		if !ok {
			return m
		}
		return fmt.Sprint(v)
	})
}
