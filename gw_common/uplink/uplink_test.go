package uplink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/event"
	"github.com/brightgate-iot/edgegw/gw_common/storage"
	"github.com/brightgate-iot/edgegw/gw_common/transport"
)

type fakeCloud struct {
	connected  bool
	configuring bool
}

func (f *fakeCloud) Connected() bool         { return f.connected }
func (f *fakeCloud) ConfiguringRemote() bool { return f.configuring }

type fakeTransport struct {
	telemetryPublishes  []string
	attributePublishes  []string
	failTelemetry       bool
}

func (f *fakeTransport) Connect(context.Context) error { return nil }
func (f *fakeTransport) Disconnect()                   {}
func (f *fakeTransport) Connected() bool               { return true }
func (f *fakeTransport) SubscribeServiceTopics(transport.AttributeRequestHandler, transport.RPCRequestHandler) error {
	return nil
}
func (f *fakeTransport) AddDevice(context.Context, string, string) error    { return nil }
func (f *fakeTransport) RemoveDevice(context.Context, string) error        { return nil }
func (f *fakeTransport) RequestSharedAttributes(context.Context) error     { return nil }
func (f *fakeTransport) PublishRPCReply(context.Context, string, string, []byte, transport.QoS, bool) error {
	return nil
}

func (f *fakeTransport) PublishTelemetry(_ context.Context, device string, _ []byte, _ transport.QoS) (transport.Token, error) {
	f.telemetryPublishes = append(f.telemetryPublishes, device)
	if f.failTelemetry {
		return nil, errNotImplemented
	}
	return transport.ImmediateToken, nil
}

func (f *fakeTransport) PublishAttributes(_ context.Context, device string, _ []byte, _ transport.QoS) (transport.Token, error) {
	f.attributePublishes = append(f.attributePublishes, device)
	return transport.ImmediateToken, nil
}

var errNotImplemented = &stubError{"publish failed"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

func newTestPipeline(t *testing.T) (*Pipeline, storage.Backend, *fakeTransport) {
	store := storage.NewMemory(storage.Config{BatchSize: 10})
	tr := &fakeTransport{}
	cloud := &fakeCloud{connected: true}
	p := New("gw1", store, tr, cloud, nil, nil, zap.NewNop().Sugar(), 4096, 0)
	return p, store, tr
}

func putEvent(t *testing.T, store storage.Backend, deviceName string) {
	c := &event.Canonical{
		DeviceName: deviceName,
		DeviceType: "default",
		Telemetry:  []event.TelemetryEntry{{Ts: 1, Values: map[string]interface{}{"x": 1}}},
	}
	data, err := event.Encode(c)
	require.NoError(t, err)
	ok, err := store.Put(context.Background(), data)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunOnceCommitsOnFullSuccess(t *testing.T) {
	p, store, tr := newTestPipeline(t)
	putEvent(t, store, "sensor1")

	pack, err := store.GetEventPack(context.Background())
	require.NoError(t, err)

	ok := p.runOnce(context.Background(), pack)
	require.True(t, ok)
	require.Contains(t, tr.telemetryPublishes, "sensor1")
}

func TestRunOnceAbandonsOnPublishFailure(t *testing.T) {
	p, store, tr := newTestPipeline(t)
	tr.failTelemetry = true
	putEvent(t, store, "sensor1")

	pack, err := store.GetEventPack(context.Background())
	require.NoError(t, err)

	ok := p.runOnce(context.Background(), pack)
	require.False(t, ok)
}

func TestSelfOrDeviceMapsGatewayNameToEmpty(t *testing.T) {
	require.Equal(t, "", selfOrDevice("gw1", "gw1"))
	require.Equal(t, "", selfOrDevice("gw1", event.SelfIdentity))
	require.Equal(t, "sensor1", selfOrDevice("gw1", "sensor1"))
}

func TestAccumulatorFoldsMultipleEventsPerDevice(t *testing.T) {
	acc := newAccumulator()
	acc.add(&event.Canonical{DeviceName: "d1", Telemetry: []event.TelemetryEntry{{Ts: 1, Values: map[string]interface{}{"a": 1}}}})
	acc.add(&event.Canonical{DeviceName: "d1", Telemetry: []event.TelemetryEntry{{Ts: 2, Values: map[string]interface{}{"b": 2}}}})

	require.Len(t, acc.telemetry["d1"], 2)
	require.False(t, acc.empty())
}
