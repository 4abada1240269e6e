// Package mqtt implements hub.Client over MQTT with one broker session per device.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/hub"
	"github.com/getpup/pupsourcing/es"
)

// Conn is the subset of paho.Client a device session uses.
type Conn interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
}

// Config configures the MQTT transport.
type Config struct {
	// BrokerURL is the broker address, e.g. tcp://localhost:1883.
	BrokerURL string

	// Username and Password are sent on connect when set.
	// Occurrences of {deviceId} in Username are replaced with the device id.
	Username string
	Password string

	// QoS for telemetry and property updates (default: 1).
	QoS byte

	// ConnectTimeout bounds Connect (default: 10s).
	ConnectTimeout time.Duration

	// PublishTimeout bounds SendTelemetry and UpdateReportedProperties (default: 10s).
	PublishTimeout time.Duration

	// Dial creates the session for one device (default: paho.NewClient).
	Dial func(opts *paho.ClientOptions) Conn

	Logger es.Logger
}

// Client is a hub.Client publishing on IoT Hub style device topics.
type Client struct {
	config   Config
	mu       sync.Mutex
	sessions map[string]Conn
	rid      atomic.Uint64
}

var _ hub.Client = (*Client)(nil)

// New creates a Client.
// Returns an error wrapping fleetsim.ErrInvalidConfiguration when BrokerURL is empty.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, fmt.Errorf("%w: mqtt broker url is required", fleetsim.ErrInvalidConfiguration)
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = func(opts *paho.ClientOptions) Conn { return paho.NewClient(opts) }
	}
	return &Client{config: cfg, sessions: make(map[string]Conn)}, nil
}

// TelemetryTopic returns the device-to-cloud topic of a device.
func TelemetryTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

// ReportedPropertiesTopic returns the twin reported-properties topic for a request id.
func ReportedPropertiesTopic(rid uint64) string {
	return fmt.Sprintf("$iothub/twin/PATCH/properties/reported/?$rid=%d", rid)
}

// RegisterDevice implements hub.Client. A plain broker keeps no device registry,
// so registration only records intent.
func (c *Client) RegisterDevice(ctx context.Context, deviceID string) error {
	if c.config.Logger != nil {
		c.config.Logger.Debug(ctx, "device registration is implicit for mqtt", "deviceID", deviceID)
	}
	return nil
}

// Connect implements hub.Client. Connecting an already connected device is a no-op.
func (c *Client) Connect(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	if conn, ok := c.sessions[deviceID]; ok && conn.IsConnected() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.BrokerURL)
	opts.SetClientID(deviceID)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	if c.config.Username != "" {
		opts.SetUsername(strings.ReplaceAll(c.config.Username, "{deviceId}", deviceID))
	}
	if c.config.Password != "" {
		opts.SetPassword(c.config.Password)
	}

	conn := c.config.Dial(opts)
	if err := c.wait(ctx, conn.Connect(), c.config.ConnectTimeout); err != nil {
		// a pending connect may still complete in the background
		conn.Disconnect(0)
		return fmt.Errorf("%w: failed to connect device %s: %w", fleetsim.ErrExternalDependency, deviceID, err)
	}

	c.mu.Lock()
	if old, ok := c.sessions[deviceID]; ok && old != conn {
		old.Disconnect(0)
	}
	c.sessions[deviceID] = conn
	c.mu.Unlock()

	if c.config.Logger != nil {
		c.config.Logger.Debug(ctx, "device connected", "deviceID", deviceID, "broker", c.config.BrokerURL)
	}
	return nil
}

// Disconnect implements hub.Client.
func (c *Client) Disconnect(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	conn, ok := c.sessions[deviceID]
	delete(c.sessions, deviceID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	conn.Disconnect(250)
	if c.config.Logger != nil {
		c.config.Logger.Debug(ctx, "device disconnected", "deviceID", deviceID)
	}
	return nil
}

// SendTelemetry implements hub.Client.
func (c *Client) SendTelemetry(ctx context.Context, deviceID string, message string) error {
	return c.publish(ctx, deviceID, TelemetryTopic(deviceID), []byte(message))
}

// UpdateReportedProperties implements hub.Client.
func (c *Client) UpdateReportedProperties(ctx context.Context, deviceID string, props map[string]interface{}) error {
	body, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to encode reported properties: %w", err)
	}
	return c.publish(ctx, deviceID, ReportedPropertiesTopic(c.rid.Add(1)), body)
}

// Close disconnects every device session.
func (c *Client) Close() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]Conn)
	c.mu.Unlock()

	for _, conn := range sessions {
		conn.Disconnect(250)
	}
}

func (c *Client) publish(ctx context.Context, deviceID, topic string, payload []byte) error {
	c.mu.Lock()
	conn, ok := c.sessions[deviceID]
	c.mu.Unlock()
	if !ok || !conn.IsConnected() {
		return fmt.Errorf("%w: %s", hub.ErrNotConnected, deviceID)
	}

	if err := c.wait(ctx, conn.Publish(topic, c.config.QoS, false, payload), c.config.PublishTimeout); err != nil {
		return fmt.Errorf("%w: failed to publish to %s: %w", fleetsim.ErrExternalDependency, topic, err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
