// gw.agentd is the edge gateway core daemon: it loads configuration,
// opens event storage, wires the ingress and uplink pipelines to the
// cloud transport, and runs the periodic scheduler until an interrupt
// signal arrives. Structurally grounded on the teacher's
// ap.iotd/iotd.go and ap.rpcd/rpcd.go main() functions: flag parse, log
// setup, component construction, signal.Notify-driven shutdown.
package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brightgate-iot/edgegw/gw_common/attrs"
	"github.com/brightgate-iot/edgegw/gw_common/connector"
	"github.com/brightgate-iot/edgegw/gw_common/connmgr"
	"github.com/brightgate-iot/edgegw/gw_common/gwconfig"
	"github.com/brightgate-iot/edgegw/gw_common/gwlog"
	"github.com/brightgate-iot/edgegw/gw_common/gwstats"
	"github.com/brightgate-iot/edgegw/gw_common/ingress"
	"github.com/brightgate-iot/edgegw/gw_common/registry"
	"github.com/brightgate-iot/edgegw/gw_common/rpcdispatch"
	"github.com/brightgate-iot/edgegw/gw_common/scheduler"
	"github.com/brightgate-iot/edgegw/gw_common/storage"
	"github.com/brightgate-iot/edgegw/gw_common/supervisor"
	"github.com/brightgate-iot/edgegw/gw_common/transport"
	"github.com/brightgate-iot/edgegw/gw_common/uplink"
	"github.com/brightgate-iot/edgegw/gw_common/version"
)

const gatewayIdentityFile = "gateway-identity"

func main() {
	flags := &gwconfig.Flags{}
	root := gwconfig.NewRootCommand(flags, func(cmd *cobra.Command, args []string) error {
		return run(flags)
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(flags *gwconfig.Flags) error {
	fs := afero.NewOsFs()

	cfg, err := gwconfig.Load(fs, flags.ConfigFile)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	logPair, err := gwlog.New(level, flags.DevMode)
	if err != nil {
		gwlog.StdFallback("failed to initialize logging: %s", err)
		return err
	}
	defer logPair.Sync()
	log := logPair.Sugared

	gatewayName, err := loadOrCreateGatewayName(fs, cfg.ConfigDir)
	if err != nil {
		return errors.Wrap(err, "failed to establish gateway identity")
	}
	if cfg.GatewayName != "" {
		gatewayName = cfg.GatewayName
	}
	log.Infow("starting gateway", "name", gatewayName, "version", version.Current)

	store, err := storage.Open(storage.Config{
		Type:      cfg.Storage.Type,
		Dir:       cfg.Storage.Dir,
		BatchSize: cfg.Storage.BatchSize,
		Capacity:  cfg.Storage.Capacity,
	})
	if err != nil {
		return errors.Wrap(err, "failed to open event storage")
	}

	reg := registry.New(fs, cfg.ConfigDir, log)
	if err := reg.Load(); err != nil {
		return errors.Wrap(err, "failed to load device registry")
	}

	transport.LogToZap(logPair.Logger)
	tr := transport.NewMQTT(transport.MQTTConfig{
		Broker:   cfg.ThingsBoard.Host,
		ClientID: gatewayName,
		Username: cfg.ThingsBoard.AccessToken,
	}, log)
	logPair.CloudLog.SetSink(tr, "")

	metrics := gwstats.New()
	statsReporter := gwstats.NewReporter(metrics, tr)

	connLoader := &noopConnectorLoader{}
	connFiles := make([]connmgr.ConfigFile, 0, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		connFiles = append(connFiles, connmgr.ConfigFile{Name: c.Name, Path: c.ConfigFile})
	}
	connMgr := connmgr.New(fs, connLoader, connFiles, log)
	if err := connMgr.Load(context.Background()); err != nil {
		return errors.Wrap(err, "failed to load connectors")
	}
	reg.Rebind(connMgr.Snapshot())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// sup's callbacks close over attrHandler and dispatcher, both built
	// below; forward-declaring the pointers lets the three components
	// refer to each other without a construction cycle.
	var attrHandler *attrs.Handler
	var dispatcher *rpcdispatch.Dispatcher

	sup := supervisor.New(tr, reg, log,
		func(content map[string]interface{}) { attrHandler.OnAttributeUpdate(ctx, content) },
		func(requestID string, content map[string]interface{}) { dispatcher.OnRPCRequest(ctx, requestID, content) },
	)

	dispatcher = rpcdispatch.New(reg, connMgr, metrics, version.NoopUpdater{}, tr, log, cfg.ThingsBoard.RemoteShell)
	dispatcher.SetSystemAction(runSystemAction(log))

	configurator := &noopConfigurator{}
	attrHandler = attrs.New(reg, configurator, sup, tr, logPair.CloudLog, atomicLevel, log)

	ingressPipeline := ingress.New(gatewayName, reg, store, sup, metrics, log, 4096)

	uplinkPipeline := uplink.New(
		gatewayName, store, tr, sup, dispatcher, reg, log,
		cfg.ThingsBoard.MaxPayloadSizeBytes,
		time.Duration(cfg.ThingsBoard.MinPackSendDelayMS)*time.Millisecond,
	)

	sched := scheduler.New(sup, dispatcher, statsReporter, connMgr, version.NoopUpdater{}, log, scheduler.Config{
		StatsSendPeriod:             time.Duration(cfg.ThingsBoard.StatsSendPeriodInSeconds) * time.Second,
		CheckConnectorsConfigPeriod: time.Duration(cfg.ThingsBoard.CheckConnectorsConfigInSeconds) * time.Second,
		UpdatesCheckPeriod:          time.Duration(cfg.Updates.CheckPeriodMS) * time.Millisecond,
	})

	if err := sup.Start(ctx); err != nil {
		log.Errorw("initial cloud connect failed, continuing in disconnected state", "error", err)
	}

	go ingressPipeline.Run(ctx)
	go uplinkPipeline.Run(ctx)
	go sched.Run(ctx)

	waitForShutdownSignal(log)

	log.Info("shutting down")
	cancel()
	connMgr.CloseAll()
	if err := store.Stop(); err != nil {
		log.Errorw("failed to stop event storage", "error", err)
	}
	tr.Disconnect()
	return nil
}

func waitForShutdownSignal(log *zap.SugaredLogger) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Infow("received shutdown signal", "signal", s.String())
}

// loadOrCreateGatewayName reads or generates (and persists) the gateway's
// self identity, grounded on the teacher's device-identity generation
// style; a fresh 64-character hex identity is drawn from
// hashicorp/go-uuid when none is persisted yet.
func loadOrCreateGatewayName(fs afero.Fs, configDir string) (string, error) {
	path := configDir + "/" + gatewayIdentityFile
	data, err := afero.ReadFile(fs, path)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}

	raw, err := uuid.GenerateRandomBytes(32)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate gateway identity")
	}
	id := hex.EncodeToString(raw)

	if err := afero.WriteFile(fs, path, []byte(id), 0600); err != nil {
		return "", errors.Wrap(err, "failed to persist gateway identity")
	}
	return id, nil
}

// runSystemAction performs the actual restart/reboot invocation, grounded on
// the original's execv(self)/system("reboot 0") pair: restart re-execs the
// running binary in place (replacing this process, so a successful restart
// never returns), reboot shells out to the platform reboot command. Either
// failing with a permission error reports 256, the original's os.system()
// "permission denied" sentinel (spec.md §4.6).
func runSystemAction(log *zap.SugaredLogger) rpcdispatch.SystemAction {
	return func(name string) int {
		switch name {
		case "restart":
			exe, err := os.Executable()
			if err != nil {
				log.Errorw("failed to resolve executable for restart", "error", err)
				return 1
			}
			if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
				if os.IsPermission(err) {
					return 256
				}
				log.Errorw("restart exec failed", "error", err)
				return 1
			}
			return 0
		case "reboot":
			if err := exec.Command("reboot", "0").Run(); err != nil {
				if os.IsPermission(err) {
					return 256
				}
				log.Errorw("reboot command failed", "error", err)
				return 1
			}
			return 0
		default:
			return 0
		}
	}
}

// noopConnectorLoader loads zero connectors. Concrete connector
// constructors (MQTT device bridges, Modbus, BLE, etc.) are out of scope
// for this core (spec.md §1); a real deployment supplies its own Loader.
type noopConnectorLoader struct{}

func (noopConnectorLoader) Load(context.Context) (map[string]connector.Connector, error) {
	return nil, nil
}

// noopConfigurator echoes back whatever configuration document it's
// handed, since remote-configuration application is specific to the
// connector set a real deployment wires in.
type noopConfigurator struct{}

func (noopConfigurator) Apply(raw map[string]interface{}) (map[string]interface{}, error) {
	return raw, nil
}
