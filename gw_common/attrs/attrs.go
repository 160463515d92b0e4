// Package attrs implements the attribute and config handler (C7):
// device-targeted forwarding, gateway remote configuration apply, and
// remote log level control, grounded on the teacher's
// cl_common/daemonutils.go pattern of a small, explicitly injected
// handler struct rather than a global dispatch table.
package attrs

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brightgate-iot/edgegw/gw_common/registry"
	"github.com/brightgate-iot/edgegw/gw_common/transport"
)

// Configurator applies a remote configuration document and may trigger a
// connector reload cycle; it returns the configuration actually now in
// effect so the handler can echo it back to the cloud.
type Configurator interface {
	Apply(raw map[string]interface{}) (map[string]interface{}, error)
}

// RemoteConfigState lets the handler mark a remote-configuration apply as
// in flight, so the uplink pipeline (C4) skips checkout during the
// restart-imminent window (spec.md §4.4).
type RemoteConfigState interface {
	SetConfiguringRemote(v bool)
}

// RemoteLogTarget receives the active/inactive toggle driven by a
// RemoteLoggingLevel update, grounded on the original's TBLoggerHandler,
// which the service installs as its root logger's target and which only
// forwards records upstream while remote logging is switched on.
// gw_common/gwlog.CloudCore satisfies this.
type RemoteLogTarget interface {
	SetActive(v bool)
}

// ConfigEcho publishes the gateway's own attributes back to the cloud,
// used to echo the effective configuration after every remote apply
// (spec.md §4.7's "echo the current configuration"), matching the
// original's send_current_configuration() call that immediately follows
// every process_configuration(). transport.Transport already satisfies
// this.
type ConfigEcho interface {
	PublishAttributes(ctx context.Context, device string, payload []byte, qos transport.QoS) (transport.Token, error)
}

// Handler is the attribute/config handler (C7).
type Handler struct {
	registry     *registry.Registry
	configurator Configurator
	remoteState  RemoteConfigState
	configEcho   ConfigEcho
	remoteLog    RemoteLogTarget
	logLevel     zap.AtomicLevel
	log          *zap.SugaredLogger

	remoteLogActive bool
}

// New builds a Handler. logLevel is the same AtomicLevel the gateway's
// zap core was built with, so RemoteLoggingLevel updates take effect
// immediately without rebuilding the logger. remoteLog may be nil, in which
// case RemoteLoggingLevel only affects the log level, not cloud forwarding.
func New(reg *registry.Registry, configurator Configurator, remoteState RemoteConfigState, configEcho ConfigEcho, remoteLog RemoteLogTarget, logLevel zap.AtomicLevel, log *zap.SugaredLogger) *Handler {
	return &Handler{
		registry:     reg,
		configurator: configurator,
		remoteState:  remoteState,
		configEcho:   configEcho,
		remoteLog:    remoteLog,
		logLevel:     logLevel,
		log:          log,
	}
}

// OnAttributeUpdate implements spec.md §4.7's attributeUpdate(content).
func (h *Handler) OnAttributeUpdate(ctx context.Context, content map[string]interface{}) {
	if deviceRaw, ok := content["device"]; ok {
		device, _ := deviceRaw.(string)
		h.forwardToDevice(ctx, device, content)
		return
	}
	h.applyGatewayAttributes(ctx, content)
}

func (h *Handler) forwardToDevice(ctx context.Context, device string, content map[string]interface{}) {
	rec, ok := h.registry.Lookup(device)
	if !ok || rec.Conn == nil {
		if h.log != nil {
			h.log.Warnw("attribute update for unknown or inactive device", "device", device)
		}
		return
	}
	rec.Conn.OnAttributesUpdate(ctx, content)
}

func shared(content map[string]interface{}) map[string]interface{} {
	if s, ok := content["shared"].(map[string]interface{}); ok {
		return s
	}
	return content
}

func client(content map[string]interface{}) map[string]interface{} {
	if c, ok := content["client"].(map[string]interface{}); ok {
		return c
	}
	return nil
}

// applyGatewayAttributes implements the "gateway-targeted attribute set"
// half of spec.md §4.7.
func (h *Handler) applyGatewayAttributes(ctx context.Context, content map[string]interface{}) {
	sharedAttrs := shared(content)

	if cfg := extractConfiguration(content, sharedAttrs); cfg != nil && h.configurator != nil {
		h.applyConfiguration(ctx, cfg)
	}

	if level, ok := sharedAttrs["RemoteLoggingLevel"].(string); ok {
		h.applyRemoteLogLevel(level)
	}

	_ = client(content) // client-scope attributes are informational only for this gateway
}

func extractConfiguration(content, sharedAttrs map[string]interface{}) map[string]interface{} {
	if cfg, ok := sharedAttrs["configuration"].(map[string]interface{}); ok {
		return cfg
	}
	if cfg, ok := content["configuration"].(map[string]interface{}); ok {
		return cfg
	}
	return nil
}

func (h *Handler) applyConfiguration(ctx context.Context, cfg map[string]interface{}) {
	if h.remoteState != nil {
		h.remoteState.SetConfiguringRemote(true)
		defer h.remoteState.SetConfiguringRemote(false)
	}

	effective, err := h.configurator.Apply(cfg)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("failed to apply remote configuration", "error", err)
		}
		return
	}

	if h.log != nil {
		b, _ := json.Marshal(effective)
		h.log.Infow("remote configuration applied", "configuration", json.RawMessage(b))
	}

	h.echoConfiguration(ctx, effective)
}

// echoConfiguration publishes the effective configuration as the gateway's
// own client attributes, the spec.md §4.7 echo step.
func (h *Handler) echoConfiguration(ctx context.Context, effective map[string]interface{}) {
	if h.configEcho == nil {
		return
	}

	payload, err := json.Marshal(effective)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("failed to encode configuration echo", "error", err)
		}
		return
	}

	tok, err := h.configEcho.PublishAttributes(ctx, "", payload, transport.QoS0)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("failed to publish configuration echo", "error", err)
		}
		return
	}
	if err := tok.Wait(ctx); err != nil && h.log != nil {
		h.log.Errorw("configuration echo publish failed", "error", err)
	}
}

func (h *Handler) applyRemoteLogLevel(level string) {
	if strings.EqualFold(level, "NONE") {
		h.remoteLogActive = false
		h.logLevel.SetLevel(zapcore.InfoLevel)
		if h.remoteLog != nil {
			h.remoteLog.SetActive(false)
		}
		return
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		if h.log != nil {
			h.log.Errorw("invalid remote log level", "level", level, "error", err)
		}
		return
	}
	h.logLevel.SetLevel(lvl)
	h.remoteLogActive = true
	if h.remoteLog != nil {
		h.remoteLog.SetActive(true)
	}
}

// RemoteLogActive reports whether a remote log level override is
// currently in effect.
func (h *Handler) RemoteLogActive() bool {
	return h.remoteLogActive
}
