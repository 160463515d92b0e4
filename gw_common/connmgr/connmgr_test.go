package connmgr

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/connector"
)

type fakeConnector struct {
	name, typ string
	closed    bool
}

func (f *fakeConnector) Name() string { return f.name }
func (f *fakeConnector) Type() string { return f.typ }
func (f *fakeConnector) Close() error { f.closed = true; return nil }
func (f *fakeConnector) ServerSideRPCHandler(context.Context, map[string]interface{}) (*connector.RPCResult, error) {
	return nil, nil
}
func (f *fakeConnector) OnAttributesUpdate(context.Context, map[string]interface{}) {}

type fakeLoader struct {
	loads int
	conns map[string]connector.Connector
}

func (f *fakeLoader) Load(context.Context) (map[string]connector.Connector, error) {
	f.loads++
	return f.conns, nil
}

func TestLoadPopulatesByNameAndByType(t *testing.T) {
	fs := afero.NewMemMapFs()
	loader := &fakeLoader{conns: map[string]connector.Connector{
		"c1": &fakeConnector{name: "c1", typ: "mqtt"},
		"c2": &fakeConnector{name: "c2", typ: "modbus"},
	}}
	m := New(fs, loader, nil, zap.NewNop().Sugar())
	require.NoError(t, m.Load(context.Background()))

	c1, ok := m.ByName("c1")
	require.True(t, ok)
	require.Equal(t, "mqtt", c1.Type())

	require.Len(t, m.ByType("modbus"), 1)
}

func TestCheckAndReloadNoopWhenUnchanged(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/conn.yaml", []byte("a"), 0644))

	loader := &fakeLoader{conns: map[string]connector.Connector{}}
	m := New(fs, loader, []ConfigFile{{Name: "c1", Path: "/conn.yaml"}}, zap.NewNop().Sugar())
	require.NoError(t, m.Load(context.Background()))

	reloaded, err := m.CheckAndReload(context.Background())
	require.NoError(t, err)
	require.False(t, reloaded)
	require.Equal(t, 1, loader.loads)
}

func TestCheckAndReloadClosesConnectorsWhenConfigChanges(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/conn.yaml", []byte("a"), 0644))

	conn := &fakeConnector{name: "c1", typ: "mqtt"}
	loader := &fakeLoader{conns: map[string]connector.Connector{"c1": conn}}
	m := New(fs, loader, []ConfigFile{{Name: "c1", Path: "/conn.yaml"}}, zap.NewNop().Sugar())
	require.NoError(t, m.Load(context.Background()))

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, afero.WriteFile(fs, "/conn.yaml", []byte("b"), 0644))

	reloaded, err := m.CheckAndReload(context.Background())
	require.NoError(t, err)
	require.True(t, reloaded)
	require.True(t, conn.closed)
	require.Equal(t, 2, loader.loads)
}
