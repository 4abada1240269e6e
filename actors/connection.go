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

// ConnectionStatus is the status of a ConnectionActor.
type ConnectionStatus int

const (
	ConnectionUninitialized ConnectionStatus = iota
	ConnectionReadyToRegister
	ConnectionRegistering
	ConnectionReadyToConnect
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionUninitialized:
		return "Uninitialized"
	case ConnectionReadyToRegister:
		return "ReadyToRegister"
	case ConnectionRegistering:
		return "Registering"
	case ConnectionReadyToConnect:
		return "ReadyToConnect"
	case ConnectionConnecting:
		return "Connecting"
	case ConnectionConnected:
		return "Connected"
	case ConnectionDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("ConnectionStatus(%d)", int(s))
	}
}

// ConnectionActor registers a device with the hub and keeps it connected while
// the device state says it is online.
type ConnectionActor struct {
	config Config

	mu          sync.Mutex
	deviceID    string
	state       *device.State
	status      ConnectionStatus
	nextAttempt time.Time
	stopped     bool
	counters    counters
}

// NewConnectionActor creates an actor that must be Setup before its first Tick.
func NewConnectionActor(cfg Config) *ConnectionActor {
	return &ConnectionActor{config: cfg.withDefaults()}
}

// Setup binds the actor to a device. A second call returns fleetsim.ErrAlreadyInitialized.
func (a *ConnectionActor) Setup(deviceID string, state *device.State) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != ConnectionUninitialized {
		return fmt.Errorf("%w: connection actor for %s", fleetsim.ErrAlreadyInitialized, a.deviceID)
	}
	a.deviceID = deviceID
	a.state = state
	a.status = ConnectionReadyToRegister
	return nil
}

// Tick starts a registration, connection or disconnection when one is due and
// the limiter grants it. Returns fleetsim.ErrNotInitialized before Setup.
// Ticks after Stop do nothing.
func (a *ConnectionActor) Tick(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	status := a.status
	due := !now.Before(a.nextAttempt)
	stopped := a.stopped
	a.mu.Unlock()

	if stopped {
		return nil
	}

	switch status {
	case ConnectionUninitialized:
		return fmt.Errorf("%w: connection actor ticked before setup", fleetsim.ErrNotInitialized)

	case ConnectionReadyToRegister:
		if !due || !a.config.Limiter.TryAcquire(ratelimit.RegistryOperations, 1) {
			return nil
		}
		a.transition(ConnectionReadyToRegister, ConnectionRegistering)
		a.HandleEvent(EventRegistering)
		a.config.Dispatch(func() {
			if err := a.config.Hub.RegisterDevice(ctx, a.deviceID); err != nil {
				a.logError(ctx, "device registration failed", err)
				a.HandleEvent(EventRegistrationFailed)
				return
			}
			a.HandleEvent(EventRegistered)
		})

	case ConnectionReadyToConnect:
		if !due || !a.online() || !a.config.Limiter.TryAcquire(ratelimit.Connections, 1) {
			return nil
		}
		a.transition(ConnectionReadyToConnect, ConnectionConnecting)
		a.HandleEvent(EventConnecting)
		a.config.Dispatch(func() {
			if err := a.config.Hub.Connect(ctx, a.deviceID); err != nil {
				a.logError(ctx, "device connection failed", err)
				a.HandleEvent(EventConnectionFailed)
				return
			}
			a.HandleEvent(EventConnected)
		})

	case ConnectionConnected:
		if a.online() {
			return nil
		}
		a.transition(ConnectionConnected, ConnectionDisconnecting)
		a.config.Dispatch(func() {
			if err := a.config.Hub.Disconnect(ctx, a.deviceID); err != nil {
				a.logError(ctx, "device disconnection failed", err)
			}
			a.HandleEvent(EventDisconnected)
		})
	}
	return nil
}

// HandleEvent applies the outcome of an operation and counts it.
// A connection that completes after Stop is closed again right away.
func (a *ConnectionActor) HandleEvent(kind EventKind) {
	a.config.record(kind)

	a.mu.Lock()
	orphaned := false
	switch kind {
	case EventRegistering, EventConnecting:
		a.counters.total.Add(1)
	case EventRegistered:
		a.status = ConnectionReadyToConnect
	case EventRegistrationFailed:
		a.counters.failed.Add(1)
		a.status = ConnectionReadyToRegister
		a.nextAttempt = a.config.Clock().Add(a.config.RetryDelay)
	case EventConnected:
		if a.stopped {
			a.status = ConnectionDisconnecting
			orphaned = true
		} else {
			a.status = ConnectionConnected
		}
	case EventConnectionFailed:
		a.counters.failed.Add(1)
		a.status = ConnectionReadyToConnect
		a.nextAttempt = a.config.Clock().Add(a.config.RetryDelay)
	case EventDisconnected:
		if a.status != ConnectionUninitialized {
			a.status = ConnectionReadyToConnect
		}
	}
	a.mu.Unlock()

	if orphaned {
		a.config.Dispatch(func() {
			if err := a.config.Hub.Disconnect(context.Background(), a.deviceID); err != nil {
				a.logError(context.Background(), "device disconnection failed", err)
			}
			a.HandleEvent(EventDisconnected)
		})
	}
}

// Stop disconnects the device if it is connected and turns later Ticks into
// no-ops. It blocks on the hub call.
func (a *ConnectionActor) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	connected := a.status == ConnectionConnected
	if connected {
		a.status = ConnectionDisconnecting
	}
	a.mu.Unlock()

	if !connected {
		return nil
	}
	err := a.config.Hub.Disconnect(ctx, a.deviceID)
	a.HandleEvent(EventDisconnected)
	return err
}

// IsConnected reports whether the device has a hub connection.
func (a *ConnectionActor) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status == ConnectionConnected
}

// Status returns the current status.
func (a *ConnectionActor) Status() ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Counters returns the attempt and failure counts of registrations and connections.
func (a *ConnectionActor) Counters() Counters {
	return a.counters.snapshot()
}

func (a *ConnectionActor) transition(from, to ConnectionStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == from {
		a.status = to
	}
}

func (a *ConnectionActor) online() bool {
	return a.state.Bool(OnlineKey, true)
}

func (a *ConnectionActor) logError(ctx context.Context, msg string, err error) {
	if a.config.Logger != nil {
		a.config.Logger.Error(ctx, msg, "deviceID", a.deviceID, "error", err)
	}
}
