package registry

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/connector"
)

type fakeConnector struct {
	name, typ string
}

func (f *fakeConnector) Name() string { return f.name }
func (f *fakeConnector) Type() string { return f.typ }
func (f *fakeConnector) Close() error { return nil }
func (f *fakeConnector) ServerSideRPCHandler(_ context.Context, _ map[string]interface{}) (*connector.RPCResult, error) {
	return nil, nil
}
func (f *fakeConnector) OnAttributesUpdate(_ context.Context, _ map[string]interface{}) {}

func newTestRegistry(t *testing.T) (*Registry, afero.Fs) {
	fs := afero.NewMemMapFs()
	log := zap.NewNop().Sugar()
	require.NoError(t, fs.MkdirAll("/cfg", 0755))
	return New(fs, "/cfg", log), fs
}

func TestAddGetPersist(t *testing.T) {
	r, fs := newTestRegistry(t)

	require.NoError(t, r.Add("sensor1", "mqtt-conn", "thermostat", nil))
	require.Equal(t, map[string]string{"sensor1": "mqtt-conn"}, r.Get())

	data, err := afero.ReadFile(fs, "/cfg/"+FileName)
	require.NoError(t, err)
	require.Contains(t, string(data), "sensor1")
	require.Contains(t, string(data), "mqtt-conn")
}

func TestLoadMissingFileIsEmptyRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Load())
	require.Empty(t, r.Get())
}

func TestLoadThenRebind(t *testing.T) {
	r, fs := newTestRegistry(t)
	require.NoError(t, afero.WriteFile(fs, "/cfg/"+FileName,
		[]byte(`{"sensor1":"mqtt-conn","sensor2":"gone-conn"}`), 0644))

	require.NoError(t, r.Load())
	require.Len(t, r.Get(), 2)

	d1, ok := r.Lookup("sensor1")
	require.True(t, ok)
	require.Nil(t, d1.Conn)

	loaded := map[string]connector.Connector{
		"mqtt-conn": &fakeConnector{name: "mqtt-conn", typ: "mqtt"},
	}
	r.Rebind(loaded)

	d1, ok = r.Lookup("sensor1")
	require.True(t, ok)
	require.NotNil(t, d1.Conn)

	d2, ok := r.Lookup("sensor2")
	require.True(t, ok)
	require.Nil(t, d2.Conn)
}

func TestUpdateUnknownDeviceErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Update("missing", "type", "x")
	require.Error(t, err)
}

func TestUpdateUnknownFieldErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Add("sensor1", "mqtt-conn", "thermostat", nil))
	err := r.Update("sensor1", "bogus", "x")
	require.Error(t, err)
}

func TestDelRemovesAndPersists(t *testing.T) {
	r, fs := newTestRegistry(t)
	require.NoError(t, r.Add("sensor1", "mqtt-conn", "thermostat", nil))
	require.NoError(t, r.Del("sensor1"))
	require.Empty(t, r.Get())

	data, err := afero.ReadFile(fs, "/cfg/"+FileName)
	require.NoError(t, err)
	require.Equal(t, "{}", string(data))
}

func TestDelUnknownDeviceIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Del("never-existed"))
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Add("sensor1", "mqtt-conn", "thermostat", nil))

	snap := r.Snapshot()
	require.Len(t, snap, 1)

	require.NoError(t, r.Update("sensor1", "type", "humidity"))
	require.Equal(t, "thermostat", snap[0].Type)
}
