package gwlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/brightgate-iot/edgegw/gw_common/transport"
)

// CloudSink is the publish capability CloudCore needs; transport.Transport
// already satisfies it.
type CloudSink interface {
	PublishTelemetry(ctx context.Context, deviceName string, payload []byte, qos transport.QoS) (transport.Token, error)
}

// CloudCore is a zapcore.Core that forwards log entries to the cloud as
// gateway telemetry under a "LOGS" key, grounded on the original's
// TBLoggerHandler: a logging.Handler installed as the target of the
// service's root logger, active only while a RemoteLoggingLevel override is
// in effect, and deactivated by the same "NONE" toggle that
// gw_common/attrs.Handler already implements. The sink is wired in after the
// cloud transport is constructed (main() builds the logger before the
// transport), so entries are silently dropped until SetSink is called; that
// matches the original's handler existing before __init__ finishes wiring
// the rest of the service.
type CloudCore struct {
	zapcore.LevelEnabler

	mu     sync.Mutex
	active bool
	sink   CloudSink
	device string
	fields []zapcore.Field
}

// NewCloudCore builds an inactive CloudCore gated at the given level.
func NewCloudCore(level zapcore.LevelEnabler) *CloudCore {
	return &CloudCore{LevelEnabler: level}
}

// SetSink installs the cloud transport and the device name entries are
// published under (the empty string, for the gateway's own telemetry).
func (c *CloudCore) SetSink(sink CloudSink, device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
	c.device = device
}

// SetActive toggles remote log forwarding, driven by attrs.Handler's
// RemoteLoggingLevel apply/deactivate (spec.md §4.7).
func (c *CloudCore) SetActive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = v
}

func (c *CloudCore) With(fields []zapcore.Field) zapcore.Core {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &CloudCore{LevelEnabler: c.LevelEnabler, active: c.active, sink: c.sink, device: c.device, fields: merged}
}

func (c *CloudCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *CloudCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	c.mu.Lock()
	active, sink, device := c.active, c.sink, c.device
	all := append(append([]zapcore.Field{}, c.fields...), fields...)
	c.mu.Unlock()

	if !active || sink == nil {
		return nil
	}

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range all {
		f.AddTo(enc)
	}

	record := map[string]interface{}{
		"LOGS": map[string]interface{}{
			"level":   ent.Level.String(),
			"logger":  ent.LoggerName,
			"message": ent.Message,
			"ts":      ent.Time.UTC().Format(time.RFC3339),
			"fields":  enc.Fields,
		},
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	_, err = sink.PublishTelemetry(context.Background(), device, payload, transport.QoS0)
	return err
}

func (c *CloudCore) Sync() error { return nil }
