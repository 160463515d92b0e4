package ingress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/registry"
	"github.com/brightgate-iot/edgegw/gw_common/storage"
)

type fakeCloud struct{ connected bool }

func (f *fakeCloud) Connected() bool { return f.connected }

type fakeStats struct{ counts map[string]int }

func (f *fakeStats) IncConnectorMessages(name string) {
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[name]++
}

func newTestPipeline(t *testing.T, gatewayName string, connected bool) (*Pipeline, storage.Backend, *registry.Registry, *fakeStats) {
	store := storage.NewMemory(storage.Config{BatchSize: 10})
	reg := registry.New(afero.NewMemMapFs(), "/cfg", zap.NewNop().Sugar())
	stats := &fakeStats{}
	cloud := &fakeCloud{connected: connected}
	p := New(gatewayName, reg, store, cloud, stats, zap.NewNop().Sugar(), 16)
	p.now = func() time.Time { return time.Unix(0, 1700000000000*int64(time.Millisecond)) }
	return p, store, reg, stats
}

func TestProcessValidEventIsStored(t *testing.T) {
	p, store, _, stats := newTestPipeline(t, "gw1", true)

	payload, err := json.Marshal(map[string]interface{}{
		"deviceName": "sensor1",
		"telemetry":  map[string]interface{}{"temp": 21.5},
	})
	require.NoError(t, err)

	p.process(context.Background(), Item{ConnectorName: "mqtt-conn", Data: payload})

	pack, err := store.GetEventPack(context.Background())
	require.NoError(t, err)
	require.Len(t, pack, 1)
	require.Equal(t, 1, stats.counts["mqtt-conn"])
}

func TestProcessInvalidEventIsDropped(t *testing.T) {
	p, store, _, _ := newTestPipeline(t, "gw1", true)

	payload, err := json.Marshal(map[string]interface{}{"telemetry": map[string]interface{}{"temp": 1}})
	require.NoError(t, err)

	p.process(context.Background(), Item{ConnectorName: "mqtt-conn", Data: payload})

	pack, err := store.GetEventPack(context.Background())
	require.NoError(t, err)
	require.Empty(t, pack)
}

func TestProcessSelfTelemetryBypassesValidation(t *testing.T) {
	p, store, _, _ := newTestPipeline(t, "gw1", true)

	payload, err := json.Marshal(map[string]interface{}{
		"telemetry": map[string]interface{}{"cpu": 0.2},
	})
	require.NoError(t, err)

	p.process(context.Background(), Item{ConnectorName: "gw1", Data: payload})

	pack, err := store.GetEventPack(context.Background())
	require.NoError(t, err)
	require.Len(t, pack, 1)
}

func TestProcessAutoRegistersUnknownDeviceWhenConnected(t *testing.T) {
	p, _, reg, _ := newTestPipeline(t, "gw1", true)

	payload, err := json.Marshal(map[string]interface{}{
		"deviceName": "newsensor",
		"deviceType": "thermostat",
		"telemetry":  map[string]interface{}{"temp": 1},
	})
	require.NoError(t, err)

	p.process(context.Background(), Item{ConnectorName: "mqtt-conn", Data: payload})

	d, ok := reg.Lookup("newsensor")
	require.True(t, ok)
	require.Equal(t, "mqtt-conn", d.ConnectorName)
}

func TestProcessDoesNotAutoRegisterWhenDisconnected(t *testing.T) {
	p, _, reg, _ := newTestPipeline(t, "gw1", false)

	payload, err := json.Marshal(map[string]interface{}{
		"deviceName": "newsensor",
		"telemetry":  map[string]interface{}{"temp": 1},
	})
	require.NoError(t, err)

	p.process(context.Background(), Item{ConnectorName: "mqtt-conn", Data: payload})

	_, ok := reg.Lookup("newsensor")
	require.False(t, ok)
}

func TestSendToStorageDropsWhenQueueFull(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, "gw1", true)
	p.queue = make(chan Item, 1)

	require.True(t, p.SendToStorage("c1", "mqtt", "", []byte(`{}`)))
	require.False(t, p.SendToStorage("c1", "mqtt", "", []byte(`{}`)))
}
