package actors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/device"
	"github.com/getpup/fleetsim/script"
)

const (
	// OnlineKey is always present in device state; false keeps the device disconnected.
	OnlineKey = "online"

	// CalculateTelemetryKey is always present in device state; false pauses the state scripts.
	CalculateTelemetryKey = "calculateTelemetry"

	// DefaultStateInterval applies when a device model declares no interval.
	DefaultStateInterval = 10 * time.Second

	smallModelThreshold = 50
	smallModelSpread    = time.Second
	largeModelSpread    = 10 * time.Second
)

// StateStatus is the status of a StateActor.
type StateStatus int

const (
	StateUninitialized StateStatus = iota
	StateScheduled
	StateRunning
)

func (s StateStatus) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateScheduled:
		return "Scheduled"
	case StateRunning:
		return "Running"
	default:
		return fmt.Sprintf("StateStatus(%d)", int(s))
	}
}

// StateActor keeps a device's state moving by running its model's scripts.
type StateActor struct {
	config Config

	mu         sync.Mutex
	setup      bool
	deviceID   string
	model      fleetsim.DeviceModel
	position   int
	total      int
	state      *device.State
	properties *device.State
	status     StateStatus
	startDelay time.Duration
	nextRun    time.Time
	counters   counters
}

// NewStateActor creates an actor that must be Setup before its first Tick.
func NewStateActor(cfg Config) *StateActor {
	return &StateActor{config: cfg.withDefaults()}
}

// Setup binds the actor to a device. position is the device's index among the
// total devices of its model and spreads the first run.
// A second call returns fleetsim.ErrAlreadyInitialized.
func (a *StateActor) Setup(deviceID string, model fleetsim.DeviceModel, position, total int, state, properties *device.State) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.setup {
		return fmt.Errorf("%w: state actor for %s", fleetsim.ErrAlreadyInitialized, a.deviceID)
	}
	if total < 1 {
		total = 1
	}
	if position < 0 {
		position = 0
	}

	a.setup = true
	a.deviceID = deviceID
	a.model = model
	a.position = position
	a.total = total
	a.state = state
	a.properties = properties
	return nil
}

// Tick runs the scripts when due. Script failures are counted and logged, never returned.
// Returns fleetsim.ErrNotInitialized before Setup.
func (a *StateActor) Tick(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.setup {
		return fmt.Errorf("%w: state actor ticked before setup", fleetsim.ErrNotInitialized)
	}

	switch a.status {
	case StateUninitialized:
		a.initialize(now)
		return nil
	case StateScheduled:
		if now.Before(a.nextRun) {
			return nil
		}
	default:
		return nil
	}

	a.status = StateRunning
	err := a.run(ctx, now)
	a.status = StateScheduled
	a.nextRun = now.Add(a.interval())

	if err != nil {
		a.counters.failed.Add(1)
		a.config.record(EventStateUpdateFailed)
		if a.config.Logger != nil {
			a.config.Logger.Error(ctx, "device state update failed", "deviceID", a.deviceID, "error", err)
		}
		return nil
	}
	a.config.record(EventStateUpdated)
	return nil
}

func (a *StateActor) initialize(now time.Time) {
	initial := make(map[string]interface{}, len(a.model.Simulation.InitialState)+2)
	for k, v := range a.model.Simulation.InitialState {
		initial[k] = v
	}
	if _, ok := initial[OnlineKey]; !ok {
		initial[OnlineKey] = true
	}
	if _, ok := initial[CalculateTelemetryKey]; !ok {
		initial[CalculateTelemetryKey] = true
	}
	a.state.SetAll(initial, true)
	if len(a.model.Properties) > 0 {
		a.properties.SetAll(a.model.Properties, true)
	}

	a.startDelay = StartDelay(a.position, a.total)
	a.nextRun = now.Add(a.startDelay)
	a.status = StateScheduled
}

func (a *StateActor) run(ctx context.Context, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panicked: %v", r)
		}
	}()

	a.counters.total.Add(1)
	if !a.state.Bool(CalculateTelemetryKey, true) {
		return nil
	}
	if a.config.Interpreter == nil {
		return fmt.Errorf("%w: no script interpreter", fleetsim.ErrNotInitialized)
	}

	sc := script.Context{CurrentTime: now, DeviceID: a.deviceID, DeviceModelName: a.model.Name}
	return UpdateState(a.config.Interpreter, sc, a.model.Simulation.Scripts, a.state)
}

func (a *StateActor) interval() time.Duration {
	if a.model.Simulation.Interval > 0 {
		return a.model.Simulation.Interval
	}
	return DefaultStateInterval
}

// Status returns the current status.
func (a *StateActor) Status() StateStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// StartDelay returns the start offset computed on the first tick.
func (a *StateActor) StartDelay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startDelay
}

// Counters returns the run and failure counts.
func (a *StateActor) Counters() Counters {
	return a.counters.snapshot()
}

// StartDelay spreads device starts over one second for models with fewer than
// 50 devices and over ten seconds otherwise, proportionally to position/total.
func StartDelay(position, total int) time.Duration {
	if total < 1 || position <= 0 {
		return 0
	}
	spread := smallModelSpread
	if total >= smallModelThreshold {
		spread = largeModelSpread
	}
	if position >= total {
		position = total - 1
	}
	return time.Duration(int64(spread) * int64(position) / int64(total))
}

// UpdateState runs scripts in order against st, each seeing the previous one's output.
// Results are written with compare-before-write so unchanged values do not mark st changed.
func UpdateState(interp script.Interpreter, sc script.Context, scripts []fleetsim.Script, st *device.State) error {
	for _, s := range scripts {
		next, err := interp.Invoke(s, sc, st.Snapshot())
		if err != nil {
			return fmt.Errorf("script %s failed: %w", s.Path, err)
		}
		st.SetAll(next, true)
	}
	return nil
}
