package gwstats

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brightgate-iot/edgegw/gw_common/transport"
)

type fakeTransport struct {
	published []byte
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
func (f *fakeTransport) PublishAttributes(_ context.Context, _ string, payload []byte, _ transport.QoS) (transport.Token, error) {
	f.published = payload
	return transport.ImmediateToken, nil
}
func (f *fakeTransport) PublishRPCReply(context.Context, string, string, []byte, transport.QoS, bool) error {
	return nil
}

func TestPublishStatsSendsSnapshot(t *testing.T) {
	m := New()
	m.EventsStored().Inc()
	tr := &fakeTransport{}
	r := NewReporter(m, tr)

	require.NoError(t, r.PublishStats(context.Background()))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(tr.published, &body))
	require.Equal(t, 1.0, body["gateway_events_stored_total"])
}
