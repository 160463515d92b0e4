// Package transport defines the cloud transport contract the control plane
// and uplink pipeline drive, and an MQTT implementation grounded on the
// teacher's ap_common/iotcore package (Google Cloud IoT Core MQTT client
// wrapper), adapted from a single fixed Google IoT Core endpoint to a
// ThingsBoard-gateway-shaped broker with device multiplexing via topic
// keys instead of per-device client identities.
package transport

import (
	"context"
	"time"
)

// QoS mirrors the two delivery classes spec.md §4.4 distinguishes.
type QoS int

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
)

// Token is a publish completion handle. For QoS1 Wait blocks until the
// broker acknowledges or the context is done; for QoS0 it returns
// immediately successful, matching spec.md §4.4's "if QoS-0, consider it
// acknowledged immediately".
type Token interface {
	Wait(ctx context.Context) error
}

// immediateToken satisfies Token for QoS0 publishes.
type immediateToken struct{}

func (immediateToken) Wait(context.Context) error { return nil }

// ImmediateToken is the QoS0 token every Transport implementation should
// return from a QoS0 publish.
var ImmediateToken Token = immediateToken{}

// AttributeRequestHandler is invoked when the cloud pushes a shared or
// client attribute update, device-targeted or gateway-wide.
type AttributeRequestHandler func(content map[string]interface{})

// RPCRequestHandler is invoked when the cloud delivers a server-side RPC
// request (spec.md §4.6).
type RPCRequestHandler func(requestID string, content map[string]interface{})

// Transport is the cloud connection contract (C5/C4 consume this; spec.md
// §4.5 names disconnect/connect/addDevice/subscribe as its primitives).
type Transport interface {
	// Connect establishes the session. Called at startup and on every
	// reconnect attempt.
	Connect(ctx context.Context) error

	// Disconnect tears down the session. The defensive disconnect-then-
	// connect at startup (spec.md §4.5) calls this even when not
	// currently connected.
	Disconnect()

	// Connected reports the current session state.
	Connected() bool

	// SubscribeServiceTopics subscribes to the attribute-update and
	// RPC-request topics for both the gateway and multiplexed child
	// devices.
	SubscribeServiceTopics(onAttributes AttributeRequestHandler, onRPC RPCRequestHandler) error

	// AddDevice announces (or re-announces; idempotent at the cloud) a
	// device to the broker, required before telemetry under that
	// device's name will be accepted.
	AddDevice(ctx context.Context, deviceName, deviceType string) error

	// RemoveDevice announces a device disconnect.
	RemoveDevice(ctx context.Context, deviceName string) error

	// PublishTelemetry sends a device's (or the gateway's own, when
	// deviceName is "") telemetry bundle.
	PublishTelemetry(ctx context.Context, deviceName string, payload []byte, qos QoS) (Token, error)

	// PublishAttributes sends a device's (or the gateway's own) client
	// attribute bundle.
	PublishAttributes(ctx context.Context, deviceName string, payload []byte, qos QoS) (Token, error)

	// PublishRPCReply sends a server-side RPC response, multiplexed by
	// device when deviceName is non-empty, or over the gateway's own
	// reply topic otherwise (spec.md §4.6's four reply forms share this
	// single send primitive; the dispatcher only varies the topic and
	// payload shape).
	PublishRPCReply(ctx context.Context, deviceName, requestID string, payload []byte, qos QoS, waitForPublish bool) error

	// RequestSharedAttributes asks the cloud for the gateway's current
	// shared attribute set, seeding remote configuration and log level
	// (spec.md §4.5's post-subscribe fetch).
	RequestSharedAttributes(ctx context.Context) error
}

// ConnectBackoff is the reconnect delay schedule a Transport caller (the
// connection supervisor) should apply between failed Connect attempts.
// Exposed as a function of attempt count so callers can implement the
// exponential backoff with cap the teacher's daemon supervisors use
// without this package dictating a concrete sleep call.
func ConnectBackoff(attempt int) time.Duration {
	const (
		base = 500 * time.Millisecond
		max  = 30 * time.Second
	)
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
