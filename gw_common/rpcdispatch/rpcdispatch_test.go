package rpcdispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/brightgate-iot/edgegw/gw_common/connector"
	"github.com/brightgate-iot/edgegw/gw_common/registry"
	"github.com/brightgate-iot/edgegw/gw_common/transport"
)

type fakeConnector struct {
	name, typ string
	result    *connector.RPCResult
	err       error
}

func (f *fakeConnector) Name() string { return f.name }
func (f *fakeConnector) Type() string { return f.typ }
func (f *fakeConnector) Close() error { return nil }
func (f *fakeConnector) ServerSideRPCHandler(_ context.Context, _ map[string]interface{}) (*connector.RPCResult, error) {
	return f.result, f.err
}
func (f *fakeConnector) OnAttributesUpdate(_ context.Context, _ map[string]interface{}) {}

type fakeConnectors struct {
	byName map[string]connector.Connector
	byType map[string][]connector.Connector
}

func (f *fakeConnectors) ByName(name string) (connector.Connector, bool) {
	c, ok := f.byName[name]
	return c, ok
}
func (f *fakeConnectors) ByType(typ string) []connector.Connector { return f.byType[typ] }

type fakeTransport struct {
	replies []replyRecord
}

type replyRecord struct {
	device, requestID string
	payload           map[string]interface{}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }
func (f *fakeTransport) Disconnect()                   {}
func (f *fakeTransport) Connected() bool               { return true }
func (f *fakeTransport) SubscribeServiceTopics(transport.AttributeRequestHandler, transport.RPCRequestHandler) error {
	return nil
}
func (f *fakeTransport) AddDevice(context.Context, string, string) error { return nil }
func (f *fakeTransport) RemoveDevice(context.Context, string) error     { return nil }
func (f *fakeTransport) RequestSharedAttributes(context.Context) error  { return nil }
func (f *fakeTransport) PublishTelemetry(context.Context, string, []byte, transport.QoS) (transport.Token, error) {
	return transport.ImmediateToken, nil
}
func (f *fakeTransport) PublishAttributes(context.Context, string, []byte, transport.QoS) (transport.Token, error) {
	return transport.ImmediateToken, nil
}
func (f *fakeTransport) PublishRPCReply(_ context.Context, device, requestID string, payload []byte, _ transport.QoS, _ bool) error {
	var body map[string]interface{}
	_ = json.Unmarshal(payload, &body)
	f.replies = append(f.replies, replyRecord{device: device, requestID: requestID, payload: body})
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeTransport, *registry.Registry) {
	reg := registry.New(afero.NewMemMapFs(), "/cfg", zap.NewNop().Sugar())
	conns := &fakeConnectors{byName: map[string]connector.Connector{}, byType: map[string][]connector.Connector{}}
	tr := &fakeTransport{}
	d := New(reg, conns, nil, nil, tr, zap.NewNop().Sugar(), false)
	return d, tr, reg
}

func TestGatewayPingReplies(t *testing.T) {
	d, tr, _ := newTestDispatcher(t)
	d.OnRPCRequest(context.Background(), "req1", map[string]interface{}{"method": "gateway_ping"})

	require.Len(t, tr.replies, 1)
	require.Equal(t, float64(200), tr.replies[0].payload["code"])
	require.Equal(t, "pong", tr.replies[0].payload["resp"])
}

func TestUnroutableMethodReplies404(t *testing.T) {
	d, tr, _ := newTestDispatcher(t)
	d.OnRPCRequest(context.Background(), "req1", map[string]interface{}{"method": "modbus_read"})

	require.Len(t, tr.replies, 1)
	require.Equal(t, "connector not found", tr.replies[0].payload["error"])
	require.Equal(t, float64(404), tr.replies[0].payload["code"])
}

func TestDeviceRoutedRPCForwardsToOwningConnector(t *testing.T) {
	d, tr, reg := newTestDispatcher(t)
	conn := &fakeConnector{name: "mqtt-conn", typ: "mqtt", result: &connector.RPCResult{Result: map[string]interface{}{"ok": true}}}
	require.NoError(t, reg.Add("sensor1", "mqtt-conn", "thermostat", conn))

	d.OnRPCRequest(context.Background(), "req1", map[string]interface{}{"device": "sensor1", "method": "setTemp"})

	require.Len(t, tr.replies, 1)
	require.Equal(t, "sensor1", tr.replies[0].device)
	require.Equal(t, true, tr.replies[0].payload["ok"])
}

func TestDeviceRoutedRPCUnknownDeviceReplies404(t *testing.T) {
	d, tr, _ := newTestDispatcher(t)
	d.OnRPCRequest(context.Background(), "req1", map[string]interface{}{"device": "ghost", "method": "ping"})

	require.Len(t, tr.replies, 1)
	require.Equal(t, float64(404), tr.replies[0].payload["code"])
}

func TestBroadcastRoutesByConnectorType(t *testing.T) {
	reg := registry.New(afero.NewMemMapFs(), "/cfg", zap.NewNop().Sugar())
	conn1 := &fakeConnector{name: "c1", typ: "modbus", result: nil}
	conn2 := &fakeConnector{name: "c2", typ: "modbus", result: &connector.RPCResult{Result: map[string]interface{}{"hit": "c2"}}}
	conns := &fakeConnectors{byName: map[string]connector.Connector{}, byType: map[string][]connector.Connector{"modbus": {conn1, conn2}}}
	tr := &fakeTransport{}
	d := New(reg, conns, nil, nil, tr, zap.NewNop().Sugar(), false)

	d.OnRPCRequest(context.Background(), "req1", map[string]interface{}{"method": "modbus_read"})

	require.Len(t, tr.replies, 1)
	require.Equal(t, "c2", tr.replies[0].payload["hit"])
}

func TestRestartIsScheduledNotRunInline(t *testing.T) {
	d, tr, _ := newTestDispatcher(t)
	ran := false
	d.now = func() int64 { return 1000 }

	d.OnRPCRequest(context.Background(), "req1", map[string]interface{}{"method": "gateway_restart"})
	require.Len(t, tr.replies, 1)
	require.False(t, ran)

	d.scheduled[0].action = func() int { ran = true; return 0 }
	d.Tick(context.Background())
	require.True(t, ran)
}

func TestRestartHonorsNumericParamsDelay(t *testing.T) {
	d, tr, _ := newTestDispatcher(t)
	d.now = func() int64 { return 1000 }

	d.OnRPCRequest(context.Background(), "req1", map[string]interface{}{"method": "gateway_restart", "params": float64(5)})

	require.Len(t, tr.replies, 1)
	require.Equal(t, float64(200), tr.replies[0].payload["code"])
	require.Len(t, d.scheduled, 1)
	require.Equal(t, int64(6000), d.scheduled[0].runAtMs)
}

func TestRestartWithNonNumericParamsReplies400(t *testing.T) {
	d, tr, _ := newTestDispatcher(t)

	d.OnRPCRequest(context.Background(), "req1", map[string]interface{}{"method": "gateway_restart", "params": "soon"})

	require.Len(t, tr.replies, 1)
	require.Equal(t, float64(400), tr.replies[0].payload["code"])
	require.Empty(t, d.scheduled)
}

func TestRebootLogsPermissionDeniedOn256(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	core, logs := observer.New(zapcore.WarnLevel)
	d.log = zap.New(core).Sugar()
	d.now = func() int64 { return 1000 }
	d.scheduleAction("reboot", 1000, func() int { return 256 })

	d.Tick(context.Background())

	require.Empty(t, d.scheduled)
	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "scheduled system action failed: permission denied", entries[0].Message)
}

func TestTickCancelsTimedOutRequest(t *testing.T) {
	d, tr, _ := newTestDispatcher(t)
	d.now = func() int64 { return 2000 }

	canceled := ""
	d.RegisterTimeout("req1", "topic1", 1000, func(topic string) { canceled = topic })

	d.Tick(context.Background())

	require.Equal(t, "topic1", canceled)
	require.Len(t, tr.replies, 1)
	require.Equal(t, float64(408), tr.replies[0].payload["code"])
}

func TestDevicesInternalMethodReturnsRegistrySnapshot(t *testing.T) {
	d, tr, reg := newTestDispatcher(t)
	require.NoError(t, reg.Add("sensor1", "mqtt-conn", "thermostat", nil))

	d.OnRPCRequest(context.Background(), "req1", map[string]interface{}{"method": "gateway_devices"})

	require.Len(t, tr.replies, 1)
	devices, ok := tr.replies[0].payload["devices"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "mqtt-conn", devices["sensor1"])
}
