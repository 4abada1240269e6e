// Package hub defines the device-hub transport the device actors talk to.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/pupsourcing/es"
)

// ErrNotConnected is returned when a device operation needs a live connection.
var ErrNotConnected = errors.New("device not connected")

// Client is the device-hub transport.
// Calls may block on I/O; device actors dispatch them off the scheduler's tick path.
type Client interface {
	// RegisterDevice creates the device identity in the hub registry.
	RegisterDevice(ctx context.Context, deviceID string) error

	// Connect opens the device connection.
	Connect(ctx context.Context, deviceID string) error

	// Disconnect closes the device connection. Disconnecting an unknown device is a no-op.
	Disconnect(ctx context.Context, deviceID string) error

	// SendTelemetry sends one device-to-cloud message.
	SendTelemetry(ctx context.Context, deviceID string, message string) error

	// UpdateReportedProperties replaces the reported twin properties.
	UpdateReportedProperties(ctx context.Context, deviceID string, props map[string]interface{}) error
}

// LogClient is a Client that only logs. Useful for dry runs.
type LogClient struct {
	logger    es.Logger
	mu        sync.Mutex
	connected map[string]bool
}

var _ Client = (*LogClient)(nil)

// NewLogClient creates a LogClient. A nil logger discards everything.
func NewLogClient(logger es.Logger) *LogClient {
	return &LogClient{logger: logger, connected: make(map[string]bool)}
}

// RegisterDevice implements Client.
func (c *LogClient) RegisterDevice(ctx context.Context, deviceID string) error {
	if c.logger != nil {
		c.logger.Debug(ctx, "device registered", "deviceID", deviceID)
	}
	return nil
}

// Connect implements Client.
func (c *LogClient) Connect(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	c.connected[deviceID] = true
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug(ctx, "device connected", "deviceID", deviceID)
	}
	return nil
}

// Disconnect implements Client.
func (c *LogClient) Disconnect(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	delete(c.connected, deviceID)
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug(ctx, "device disconnected", "deviceID", deviceID)
	}
	return nil
}

// SendTelemetry implements Client.
func (c *LogClient) SendTelemetry(ctx context.Context, deviceID string, message string) error {
	if !c.IsConnected(deviceID) {
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	if c.logger != nil {
		c.logger.Info(ctx, "telemetry", "deviceID", deviceID, "message", message)
	}
	return nil
}

// UpdateReportedProperties implements Client.
func (c *LogClient) UpdateReportedProperties(ctx context.Context, deviceID string, props map[string]interface{}) error {
	if !c.IsConnected(deviceID) {
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	body, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to encode reported properties: %w", err)
	}
	if c.logger != nil {
		c.logger.Info(ctx, "reported properties", "deviceID", deviceID, "properties", string(body))
	}
	return nil
}

// IsConnected reports whether deviceID is connected.
func (c *LogClient) IsConnected(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected[deviceID]
}
