package actors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/device"
)

// Device bundles the actors of one simulated device around its shared state.
type Device struct {
	ID         string
	Model      fleetsim.DeviceModel
	State      *device.State
	Properties *device.State

	stateActor *StateActor
	connection *ConnectionActor
	telemetry  []*TelemetryActor
	twin       *TwinActor
}

// Stats summarizes the counters of a device's actors.
type Stats struct {
	State      Counters
	Connection Counters
	Telemetry  Counters
	Twin       Counters
	Connected  bool
}

// NewDevice creates and sets up every actor of a device.
// position and total place the device among the devices of its model.
func NewDevice(cfg Config, deviceID string, model fleetsim.DeviceModel, position, total int) (*Device, error) {
	if cfg.Hub == nil || cfg.Limiter == nil {
		return nil, fmt.Errorf("%w: device actors need a hub client and a limiter", fleetsim.ErrInvalidConfiguration)
	}

	d := &Device{
		ID:         deviceID,
		Model:      model,
		State:      device.NewState(nil),
		Properties: device.NewState(nil),
		stateActor: NewStateActor(cfg),
		connection: NewConnectionActor(cfg),
		twin:       NewTwinActor(cfg),
	}

	if err := d.stateActor.Setup(deviceID, model, position, total, d.State, d.Properties); err != nil {
		return nil, err
	}
	if err := d.connection.Setup(deviceID, d.State); err != nil {
		return nil, err
	}
	for _, msg := range model.Telemetry {
		t := NewTelemetryActor(cfg)
		if err := t.Setup(deviceID, msg, d.State, d.connection); err != nil {
			return nil, err
		}
		d.telemetry = append(d.telemetry, t)
	}
	if err := d.twin.Setup(deviceID, d.Properties, d.connection); err != nil {
		return nil, err
	}
	return d, nil
}

// Tick ticks the state, connection, telemetry and twin actors in that order.
func (d *Device) Tick(ctx context.Context, now time.Time) error {
	errs := []error{
		d.stateActor.Tick(ctx, now),
		d.connection.Tick(ctx, now),
	}
	for _, t := range d.telemetry {
		errs = append(errs, t.Tick(ctx, now))
	}
	errs = append(errs, d.twin.Tick(ctx, now))
	return errors.Join(errs...)
}

// Stop disconnects the device from the hub.
func (d *Device) Stop(ctx context.Context) error {
	return d.connection.Stop(ctx)
}

// Stats returns the device's actor counters.
func (d *Device) Stats() Stats {
	s := Stats{
		State:      d.stateActor.Counters(),
		Connection: d.connection.Counters(),
		Twin:       d.twin.Counters(),
		Connected:  d.connection.IsConnected(),
	}
	for _, t := range d.telemetry {
		c := t.Counters()
		s.Telemetry.Total += c.Total
		s.Telemetry.Failed += c.Failed
	}
	return s
}

// Connection returns the device's connection actor.
func (d *Device) Connection() *ConnectionActor {
	return d.connection
}

// StateActor returns the device's state actor.
func (d *Device) StateActor() *StateActor {
	return d.stateActor
}
