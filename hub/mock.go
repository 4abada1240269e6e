package hub

import (
	"context"
	"sync"
)

// MockClient is a configurable mock implementation of Client for use in tests.
type MockClient struct {
	mu sync.Mutex

	RegisterDeviceFunc           func(ctx context.Context, deviceID string) error
	ConnectFunc                  func(ctx context.Context, deviceID string) error
	DisconnectFunc               func(ctx context.Context, deviceID string) error
	SendTelemetryFunc            func(ctx context.Context, deviceID string, message string) error
	UpdateReportedPropertiesFunc func(ctx context.Context, deviceID string, props map[string]interface{}) error

	RegisterDeviceCalls           []string
	ConnectCalls                  []string
	DisconnectCalls               []string
	SendTelemetryCalls            []TelemetryCall
	UpdateReportedPropertiesCalls []PropertiesCall
}

// TelemetryCall records one SendTelemetry call.
type TelemetryCall struct {
	DeviceID string
	Message  string
}

// PropertiesCall records one UpdateReportedProperties call.
type PropertiesCall struct {
	DeviceID   string
	Properties map[string]interface{}
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// RegisterDevice implements Client.
func (m *MockClient) RegisterDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	m.RegisterDeviceCalls = append(m.RegisterDeviceCalls, deviceID)
	fn := m.RegisterDeviceFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID)
	}
	return nil
}

// Connect implements Client.
func (m *MockClient) Connect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	m.ConnectCalls = append(m.ConnectCalls, deviceID)
	fn := m.ConnectFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID)
	}
	return nil
}

// Disconnect implements Client.
func (m *MockClient) Disconnect(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	m.DisconnectCalls = append(m.DisconnectCalls, deviceID)
	fn := m.DisconnectFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID)
	}
	return nil
}

// SendTelemetry implements Client.
func (m *MockClient) SendTelemetry(ctx context.Context, deviceID string, message string) error {
	m.mu.Lock()
	m.SendTelemetryCalls = append(m.SendTelemetryCalls, TelemetryCall{DeviceID: deviceID, Message: message})
	fn := m.SendTelemetryFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID, message)
	}
	return nil
}

// UpdateReportedProperties implements Client.
func (m *MockClient) UpdateReportedProperties(ctx context.Context, deviceID string, props map[string]interface{}) error {
	m.mu.Lock()
	m.UpdateReportedPropertiesCalls = append(m.UpdateReportedPropertiesCalls, PropertiesCall{DeviceID: deviceID, Properties: props})
	fn := m.UpdateReportedPropertiesFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, deviceID, props)
	}
	return nil
}

// Counts returns the number of register, connect, telemetry and property calls.
func (m *MockClient) Counts() (register, connect, telemetry, properties int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.RegisterDeviceCalls), len(m.ConnectCalls), len(m.SendTelemetryCalls), len(m.UpdateReportedPropertiesCalls)
}
