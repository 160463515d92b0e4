// Package scheduler implements the periodic scheduler (C8): the main
// loop's tick-and-fallback-sleep cadence that drives connection
// supervision, RPC reconciliation, statistics emission, connector
// configuration reload, and the self-update check, grounded on the
// teacher's ap.rpcd/rpcd.go top-level select loop (poll multiple
// conditions, busy-continue on any hit, otherwise sleep).
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/version"
)

// FallbackSleep is spec.md §4.8's per-iteration fallback sleep.
const FallbackSleep = 100 * time.Millisecond

// ConnectionSupervisor is the subset of supervisor.Supervisor the
// scheduler drives each tick.
type ConnectionSupervisor interface {
	Tick(ctx context.Context)
}

// RPCReconciler is the subset of rpcdispatch.Dispatcher the scheduler
// drives each tick.
type RPCReconciler interface {
	Tick(ctx context.Context)
}

// StatsReporter publishes a statistics snapshot to the cloud (spec.md
// §4.8 item 5).
type StatsReporter interface {
	// PublishStats sends the current statistics snapshot over the
	// configured transport. Returning an error only logs; it never
	// aborts the scheduler loop.
	PublishStats(ctx context.Context) error
}

// ConnectorConfigWatcher detects a changed connector configuration file
// and reloads/reconnects connectors (spec.md §4.8 item 6).
type ConnectorConfigWatcher interface {
	// CheckAndReload stats every connector config file; if any mtime
	// differs from the remembered value, it closes all connectors,
	// reloads, and reconnects. Returns true if a reload happened, which
	// the scheduler treats as a "busy" hit.
	CheckAndReload(ctx context.Context) (bool, error)
}

// Config carries the periodic intervals spec.md §6 names.
type Config struct {
	StatsSendPeriod              time.Duration
	CheckConnectorsConfigPeriod time.Duration
	UpdatesCheckPeriod           time.Duration
}

// Scheduler is the main-loop driver (C8).
type Scheduler struct {
	supervisor ConnectionSupervisor
	rpc        RPCReconciler
	stats      StatsReporter
	connectors ConnectorConfigWatcher
	updater    version.Updater
	log        *zap.SugaredLogger

	cfg Config

	lastStatsSend    time.Time
	lastConfigCheck  time.Time
	lastUpdateCheck  time.Time

	now func() time.Time
}

// New builds a Scheduler. Any of supervisor, rpc, stats, connectors,
// updater may be nil to skip that tick's check, so a partially wired
// gateway (e.g. in tests) can still run the loop.
func New(supervisor ConnectionSupervisor, rpc RPCReconciler, stats StatsReporter, connectors ConnectorConfigWatcher, updater version.Updater, log *zap.SugaredLogger, cfg Config) *Scheduler {
	if cfg.StatsSendPeriod <= 0 {
		cfg.StatsSendPeriod = time.Hour
	}
	if cfg.CheckConnectorsConfigPeriod <= 0 {
		cfg.CheckConnectorsConfigPeriod = time.Minute
	}
	if cfg.UpdatesCheckPeriod <= 0 {
		cfg.UpdatesCheckPeriod = 5 * time.Minute
	}
	return &Scheduler{
		supervisor: supervisor,
		rpc:        rpc,
		stats:      stats,
		connectors: connectors,
		updater:    updater,
		log:        log,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run executes the scheduler loop until ctx is cancelled (graceful
// shutdown per spec.md §4.8's final paragraph is the caller's
// responsibility: cancel ctx, then close connectors/stop storage/
// disconnect cloud).
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.tick(ctx) {
			continue
		}
		sleep(ctx, FallbackSleep)
	}
}

// tick performs one scheduler pass and reports whether any check fired,
// matching spec.md §4.8's "if any check fires, the fallback sleep is
// skipped".
func (s *Scheduler) tick(ctx context.Context) bool {
	now := s.now()
	busy := false

	if s.supervisor != nil {
		s.supervisor.Tick(ctx)
	}

	if s.rpc != nil {
		s.rpc.Tick(ctx)
	}

	if s.stats != nil && now.Sub(s.lastStatsSend) >= s.cfg.StatsSendPeriod {
		if err := s.stats.PublishStats(ctx); err != nil && s.log != nil {
			s.log.Errorw("failed to publish statistics", "error", err)
		}
		s.lastStatsSend = now
		busy = true
	}

	if s.connectors != nil && now.Sub(s.lastConfigCheck) >= s.cfg.CheckConnectorsConfigPeriod {
		reloaded, err := s.connectors.CheckAndReload(ctx)
		if err != nil && s.log != nil {
			s.log.Errorw("failed to check connector configuration", "error", err)
		}
		s.lastConfigCheck = now
		if reloaded {
			busy = true
		}
	}

	if s.updater != nil && now.Sub(s.lastUpdateCheck) >= s.cfg.UpdatesCheckPeriod {
		current, latest := s.updater.Versions()
		if latest != current && s.log != nil {
			s.log.Infow("newer gateway version available", "current", current, "latest", latest)
		}
		s.lastUpdateCheck = now
		busy = true
	}

	return busy
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
