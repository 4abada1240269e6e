package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeConn struct {
	mu           sync.Mutex
	connectToken paho.Token
	publishToken paho.Token
	connected    bool
	disconnects  int
	published    []published
}

func (f *fakeConn) Connect() paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectToken == nil {
		f.connected = true
		return completedToken(nil)
	}
	return f.connectToken
}

func (f *fakeConn) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeConn) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if f.publishToken != nil {
		return f.publishToken
	}
	return completedToken(nil)
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

type dialer struct {
	mu    sync.Mutex
	next  func() *fakeConn
	opts  []*paho.ClientOptions
	conns []*fakeConn
}

func (d *dialer) dial(opts *paho.ClientOptions) Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{}
	if d.next != nil {
		c = d.next()
	}
	d.opts = append(d.opts, opts)
	d.conns = append(d.conns, c)
	return c
}

func newClient(t *testing.T, d *dialer) *Client {
	t.Helper()
	c, err := New(Config{
		BrokerURL:      "tcp://broker:1883",
		Username:       "hub/{deviceId}",
		ConnectTimeout: 50 * time.Millisecond,
		PublishTimeout: 50 * time.Millisecond,
		Dial:           d.dial,
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBroker(t *testing.T) {
	_, err := New(Config{})

	assert.ErrorIs(t, err, fleetsim.ErrInvalidConfiguration)
}

func TestNew_AppliesDefaults(t *testing.T) {
	c, err := New(Config{BrokerURL: "tcp://broker:1883"})
	require.NoError(t, err)

	assert.Equal(t, byte(1), c.config.QoS)
	assert.Equal(t, 10*time.Second, c.config.ConnectTimeout)
	assert.Equal(t, 10*time.Second, c.config.PublishTimeout)
	assert.NotNil(t, c.config.Dial)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "devices/sim.m.1/messages/events/", TelemetryTopic("sim.m.1"))
	assert.Equal(t, "$iothub/twin/PATCH/properties/reported/?$rid=7", ReportedPropertiesTopic(7))
}

func TestConnect_OneSessionPerDevice(t *testing.T) {
	ctx := context.Background()
	d := &dialer{}
	c := newClient(t, d)

	require.NoError(t, c.Connect(ctx, "d1"))
	require.NoError(t, c.Connect(ctx, "d1"), "already connected is a no-op")
	require.NoError(t, c.Connect(ctx, "d2"))

	require.Len(t, d.opts, 2)
	assert.Equal(t, "d1", d.opts[0].ClientID)
	assert.Equal(t, "hub/d1", d.opts[0].Username)
	assert.Equal(t, "d2", d.opts[1].ClientID)
}

func TestConnect_FailureWrapsExternalDependency(t *testing.T) {
	d := &dialer{next: func() *fakeConn {
		return &fakeConn{connectToken: completedToken(errors.New("not authorized"))}
	}}
	c := newClient(t, d)

	err := c.Connect(context.Background(), "d1")

	assert.ErrorIs(t, err, fleetsim.ErrExternalDependency)
	assert.Contains(t, err.Error(), "not authorized")
	assert.ErrorIs(t, c.SendTelemetry(context.Background(), "d1", "x"), hub.ErrNotConnected)
}

func TestConnect_TimesOut(t *testing.T) {
	d := &dialer{next: func() *fakeConn { return &fakeConn{connectToken: pendingToken()} }}
	c := newClient(t, d)

	err := c.Connect(context.Background(), "d1")

	assert.ErrorIs(t, err, fleetsim.ErrExternalDependency)
	assert.Contains(t, err.Error(), "timed out")
	require.Len(t, d.conns, 1)
	assert.Equal(t, 1, d.conns[0].disconnects, "abandoned connection is closed")
}

func TestConnect_CancelledContextClosesPendingConnection(t *testing.T) {
	d := &dialer{next: func() *fakeConn { return &fakeConn{connectToken: pendingToken()} }}
	c := newClient(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Connect(ctx, "d1")

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, d.conns, 1)
	assert.Equal(t, 1, d.conns[0].disconnects)
	assert.ErrorIs(t, c.SendTelemetry(context.Background(), "d1", "x"), hub.ErrNotConnected)
}

func TestSendTelemetry_PublishesOnDeviceTopic(t *testing.T) {
	ctx := context.Background()
	d := &dialer{}
	c := newClient(t, d)
	require.NoError(t, c.Connect(ctx, "d1"))

	require.NoError(t, c.SendTelemetry(ctx, "d1", `{"temperature":21}`))

	conn := d.conns[0]
	require.Len(t, conn.published, 1)
	assert.Equal(t, "devices/d1/messages/events/", conn.published[0].topic)
	assert.Equal(t, byte(1), conn.published[0].qos)
	assert.JSONEq(t, `{"temperature":21}`, string(conn.published[0].payload))
}

func TestSendTelemetry_RequiresConnection(t *testing.T) {
	c := newClient(t, &dialer{})

	err := c.SendTelemetry(context.Background(), "d1", "x")

	assert.ErrorIs(t, err, hub.ErrNotConnected)
}

func TestSendTelemetry_HonoursContext(t *testing.T) {
	d := &dialer{next: func() *fakeConn { return &fakeConn{publishToken: pendingToken()} }}
	c, err := New(Config{BrokerURL: "tcp://broker:1883", PublishTimeout: time.Minute, Dial: d.dial})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), "d1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.SendTelemetry(ctx, "d1", "x")

	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpdateReportedProperties_UsesIncreasingRequestIDs(t *testing.T) {
	ctx := context.Background()
	d := &dialer{}
	c := newClient(t, d)
	require.NoError(t, c.Connect(ctx, "d1"))

	require.NoError(t, c.UpdateReportedProperties(ctx, "d1", map[string]interface{}{"firmware": "1.0"}))
	require.NoError(t, c.UpdateReportedProperties(ctx, "d1", map[string]interface{}{"firmware": "1.1"}))

	conn := d.conns[0]
	require.Len(t, conn.published, 2)
	assert.Equal(t, "$iothub/twin/PATCH/properties/reported/?$rid=1", conn.published[0].topic)
	assert.Equal(t, "$iothub/twin/PATCH/properties/reported/?$rid=2", conn.published[1].topic)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.published[1].payload, &body))
	assert.Equal(t, "1.1", body["firmware"])
}

func TestDisconnectAndClose(t *testing.T) {
	ctx := context.Background()
	d := &dialer{}
	c := newClient(t, d)
	require.NoError(t, c.Connect(ctx, "d1"))
	require.NoError(t, c.Connect(ctx, "d2"))

	require.NoError(t, c.Disconnect(ctx, "d1"))
	require.NoError(t, c.Disconnect(ctx, "d1"))
	assert.Equal(t, 1, d.conns[0].disconnects)

	c.Close()
	assert.Equal(t, 1, d.conns[1].disconnects)
	assert.ErrorIs(t, c.SendTelemetry(ctx, "d2", "x"), hub.ErrNotConnected)
}

func TestRegisterDevice_IsNoop(t *testing.T) {
	d := &dialer{}
	c := newClient(t, d)

	require.NoError(t, c.RegisterDevice(context.Background(), "d1"))
	assert.Empty(t, d.opts)
}
