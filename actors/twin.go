package actors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/device"
	"github.com/getpup/fleetsim/ratelimit"
)

// TwinActor reports a device's properties whenever they change.
type TwinActor struct {
	config Config

	mu         sync.Mutex
	setup      bool
	deviceID   string
	properties *device.State
	conn       Connectivity
	updating   bool
	counters   counters
}

// NewTwinActor creates an actor that must be Setup before its first Tick.
func NewTwinActor(cfg Config) *TwinActor {
	return &TwinActor{config: cfg.withDefaults()}
}

// Setup binds the actor to a device. A second call returns fleetsim.ErrAlreadyInitialized.
func (a *TwinActor) Setup(deviceID string, properties *device.State, conn Connectivity) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.setup {
		return fmt.Errorf("%w: twin actor for %s", fleetsim.ErrAlreadyInitialized, a.deviceID)
	}
	a.setup = true
	a.deviceID = deviceID
	a.properties = properties
	a.conn = conn
	return nil
}

// Tick reports the properties when they changed, the device is connected and
// the limiter grants a twin write. Returns fleetsim.ErrNotInitialized before Setup.
func (a *TwinActor) Tick(ctx context.Context, _ time.Time) error {
	a.mu.Lock()
	if !a.setup {
		a.mu.Unlock()
		return fmt.Errorf("%w: twin actor ticked before setup", fleetsim.ErrNotInitialized)
	}
	updating := a.updating
	a.mu.Unlock()

	if updating || !a.properties.Changed() || !a.conn.IsConnected() {
		return nil
	}
	if !a.config.Limiter.TryAcquire(ratelimit.TwinWrites, 1) {
		return nil
	}

	props := a.properties.SnapshotAndReset()

	a.mu.Lock()
	a.updating = true
	a.mu.Unlock()

	a.HandleEvent(EventUpdatingProperties)
	a.config.Dispatch(func() {
		if err := a.config.Hub.UpdateReportedProperties(ctx, a.deviceID, props); err != nil {
			if a.config.Logger != nil {
				a.config.Logger.Error(ctx, "reported properties update failed", "deviceID", a.deviceID, "error", err)
			}
			a.HandleEvent(EventPropertiesUpdateFailed)
			return
		}
		a.HandleEvent(EventPropertiesUpdated)
	})
	return nil
}

// HandleEvent applies the outcome of an update and counts it.
// A failed update marks the properties changed again so the next tick retries.
func (a *TwinActor) HandleEvent(kind EventKind) {
	a.config.record(kind)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch kind {
	case EventUpdatingProperties:
		a.counters.total.Add(1)
	case EventPropertiesUpdated:
		a.updating = false
	case EventPropertiesUpdateFailed:
		a.counters.failed.Add(1)
		a.updating = false
		if a.properties != nil {
			a.properties.MarkChanged()
		}
	}
}

// Counters returns the update and failure counts.
func (a *TwinActor) Counters() Counters {
	return a.counters.snapshot()
}
