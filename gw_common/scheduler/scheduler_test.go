package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingSupervisor struct{ ticks int }

func (c *countingSupervisor) Tick(context.Context) { c.ticks++ }

type countingRPC struct{ ticks int }

func (c *countingRPC) Tick(context.Context) { c.ticks++ }

type countingStats struct{ calls int }

func (c *countingStats) PublishStats(context.Context) error { c.calls++; return nil }

type countingConnectors struct {
	calls    int
	reloaded bool
}

func (c *countingConnectors) CheckAndReload(context.Context) (bool, error) {
	c.calls++
	return c.reloaded, nil
}

type fakeUpdater struct{ current, latest string }

func (f *fakeUpdater) Update(context.Context) error { return nil }
func (f *fakeUpdater) Versions() (string, string)   { return f.current, f.latest }

func TestTickAlwaysDrivesSupervisorAndRPC(t *testing.T) {
	sup := &countingSupervisor{}
	rpc := &countingRPC{}
	s := New(sup, rpc, nil, nil, nil, zap.NewNop().Sugar(), Config{})

	s.tick(context.Background())

	require.Equal(t, 1, sup.ticks)
	require.Equal(t, 1, rpc.ticks)
}

func TestTickRespectsStatsPeriod(t *testing.T) {
	stats := &countingStats{}
	s := New(nil, nil, stats, nil, nil, zap.NewNop().Sugar(), Config{StatsSendPeriod: time.Hour})

	fakeNow := time.Unix(1000, 0)
	s.now = func() time.Time { return fakeNow }

	busy := s.tick(context.Background())
	require.True(t, busy)
	require.Equal(t, 1, stats.calls)

	fakeNow = fakeNow.Add(time.Minute)
	busy = s.tick(context.Background())
	require.False(t, busy)
	require.Equal(t, 1, stats.calls)

	fakeNow = fakeNow.Add(2 * time.Hour)
	busy = s.tick(context.Background())
	require.True(t, busy)
	require.Equal(t, 2, stats.calls)
}

func TestTickReloadsConnectorsOnlyWhenChanged(t *testing.T) {
	conns := &countingConnectors{reloaded: false}
	s := New(nil, nil, nil, conns, nil, zap.NewNop().Sugar(), Config{CheckConnectorsConfigPeriod: time.Millisecond})

	busy := s.tick(context.Background())
	require.False(t, busy)
	require.Equal(t, 1, conns.calls)

	conns.reloaded = true
	time.Sleep(2 * time.Millisecond)
	busy = s.tick(context.Background())
	require.True(t, busy)
}

func TestTickLogsWhenNewerVersionAvailable(t *testing.T) {
	up := &fakeUpdater{current: "1.0.0", latest: "1.1.0"}
	core, logs := observer.New(zapcore.InfoLevel)
	s := New(nil, nil, nil, nil, up, zap.New(core).Sugar(), Config{UpdatesCheckPeriod: time.Millisecond})

	busy := s.tick(context.Background())
	require.True(t, busy)
	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "newer gateway version available", entries[0].Message)
}
