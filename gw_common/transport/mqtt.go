package transport

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// jwtExpirySeconds matches the teacher's iotcore.JWTExpiry.
const jwtExpirySeconds = 3600

// topics mirrors the ThingsBoard gateway MQTT API's fixed topic set, used
// instead of iotcore's Google-specific device-path topics.
const (
	topicTelemetry     = "v1/gateway/telemetry"
	topicAttributes    = "v1/gateway/attributes"
	topicAttributesReq = "v1/gateway/attributes/request"
	topicRPC           = "v1/gateway/rpc"
	topicSelfTelemetry = "v1/devices/me/telemetry"
	topicSelfAttrs     = "v1/devices/me/attributes"
	topicSelfRPCReq    = "v1/devices/me/rpc/request/+"
	topicSelfRPCResp   = "v1/devices/me/rpc/response/%s"
)

// MQTTConfig carries the broker connection parameters. PrivateKey is
// optional: when set, the client authenticates with a signed JWT password
// refreshed on jwtExpirySeconds/2, following the teacher's
// iotcore.IoTMQTTClient.refreshJWT; when nil, Password is sent as-is
// (gw.agentd passes the ThingsBoard access token as Username and leaves
// Password empty).
type MQTTConfig struct {
	Broker     string
	ClientID   string
	Username   string
	Password   string
	PrivateKey *rsa.PrivateKey
	Audience   string
}

// MQTT is the Transport implementation used against a ThingsBoard-shaped
// gateway MQTT API, structurally grounded on the teacher's
// ap_common/iotcore.IoTMQTTClient: a wrapped paho client carrying the
// fields needed to rebuild itself when its password (JWT or token) is
// rotated, since paho does not support changing a connected client's
// credentials in place.
type MQTT struct {
	cfg MQTTConfig
	log *zap.SugaredLogger

	mu     sync.Mutex
	client mqtt.Client
	opts   *mqtt.ClientOptions
}

// NewMQTT builds an MQTT transport. It does not connect; call Connect.
func NewMQTT(cfg MQTTConfig, log *zap.SugaredLogger) *MQTT {
	m := &MQTT{cfg: cfg, log: log}
	m.buildClient()
	if cfg.PrivateKey != nil {
		time.AfterFunc(time.Second*jwtExpirySeconds/2, m.refreshJWT)
	}
	return m
}

func (m *MQTT) signJWT() (string, error) {
	method := jwt.GetSigningMethod("RS256")
	if method == nil {
		return "", errors.New("RS256 signing method unavailable")
	}
	claims := &jwt.StandardClaims{
		IssuedAt:  time.Now().Unix(),
		ExpiresAt: time.Now().Unix() + jwtExpirySeconds,
		Audience:  m.cfg.Audience,
	}
	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString(m.cfg.PrivateKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign JWT")
	}
	return signed, nil
}

// refreshJWT rebuilds the password and, if currently connected, tears down
// and reconnects the client, mirroring iotcore's refreshJWT: paho doesn't
// support swapping credentials on a live connection.
func (m *MQTT) refreshJWT() {
	signed, err := m.signJWT()
	if err != nil {
		if m.log != nil {
			m.log.Errorw("failed to refresh JWT, retrying sooner", "error", err)
		}
		time.AfterFunc(time.Second*jwtExpirySeconds/10, m.refreshJWT)
		return
	}

	m.mu.Lock()
	m.cfg.Password = signed
	wasConnected := m.client != nil && m.client.IsConnected()
	if wasConnected {
		m.client.Disconnect(1000)
	}
	m.buildClientLocked()
	m.mu.Unlock()

	if wasConnected {
		if err := m.Connect(context.Background()); err != nil && m.log != nil {
			m.log.Errorw("failed to reconnect after JWT refresh", "error", err)
		}
	}

	time.AfterFunc(time.Second*jwtExpirySeconds/2, m.refreshJWT)
}

func (m *MQTT) buildClient() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buildClientLocked()
}

func (m *MQTT) buildClientLocked() {
	opts := mqtt.NewClientOptions().AddBroker(m.cfg.Broker)
	opts.SetKeepAlive(5 * time.Minute)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetUsername(m.cfg.Username)
	opts.SetPassword(m.cfg.Password)
	opts.SetAutoReconnect(false) // the connection supervisor (C5) owns reconnect policy
	m.opts = opts
	m.client = mqtt.NewClient(opts)
}

// LogToZap routes paho's internal logger through zap, matching the
// teacher's iotcore.MQTTLogToZap.
func LogToZap(logger *zap.Logger) {
	mqtt.DEBUG, _ = zap.NewStdLogAt(logger, zapcore.DebugLevel)
	mqtt.WARN, _ = zap.NewStdLogAt(logger, zapcore.InfoLevel)
	mqtt.ERROR, _ = zap.NewStdLogAt(logger, zapcore.ErrorLevel)
	mqtt.CRITICAL, _ = zap.NewStdLogAt(logger, zapcore.PanicLevel)
}

func (m *MQTT) currentClient() mqtt.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

func (m *MQTT) Connect(ctx context.Context) error {
	client := m.currentClient()
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout(ctx)) {
		return errors.New("timed out connecting to cloud broker")
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "failed to connect to cloud broker")
	}
	return nil
}

func (m *MQTT) Disconnect() {
	client := m.currentClient()
	if client != nil && client.IsConnected() {
		client.Disconnect(1000)
	}
}

func (m *MQTT) Connected() bool {
	client := m.currentClient()
	return client != nil && client.IsConnected()
}

func (m *MQTT) SubscribeServiceTopics(onAttrs AttributeRequestHandler, onRPC RPCRequestHandler) error {
	client := m.currentClient()

	attrHandler := func(_ mqtt.Client, msg mqtt.Message) {
		var content map[string]interface{}
		if err := json.Unmarshal(msg.Payload(), &content); err != nil {
			if m.log != nil {
				m.log.Errorw("failed to decode attribute update", "error", err)
			}
			return
		}
		onAttrs(content)
	}

	rpcHandler := func(_ mqtt.Client, msg mqtt.Message) {
		var envelope struct {
			Data struct {
				ID     string                 `json:"id"`
				Method string                 `json:"method"`
				Params map[string]interface{} `json:"params"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload(), &envelope); err != nil {
			if m.log != nil {
				m.log.Errorw("failed to decode RPC request", "error", err)
			}
			return
		}
		content := envelope.Data.Params
		if content == nil {
			content = map[string]interface{}{}
		}
		content["method"] = envelope.Data.Method
		onRPC(envelope.Data.ID, content)
	}

	if token := client.Subscribe(topicAttributes, 1, attrHandler); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to subscribe to gateway attributes topic")
	}
	if token := client.Subscribe(topicSelfAttrs, 1, attrHandler); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to subscribe to self attributes topic")
	}
	if token := client.Subscribe(topicRPC, 1, rpcHandler); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to subscribe to gateway rpc topic")
	}
	if token := client.Subscribe(topicSelfRPCReq, 1, rpcHandler); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to subscribe to self rpc topic")
	}
	return nil
}

func (m *MQTT) AddDevice(ctx context.Context, deviceName, deviceType string) error {
	payload, err := json.Marshal(map[string]interface{}{"device": deviceName, "type": deviceType})
	if err != nil {
		return errors.Wrap(err, "failed to encode connect announcement")
	}
	return m.publish(ctx, "v1/gateway/connect", payload, QoS1, true)
}

func (m *MQTT) RemoveDevice(ctx context.Context, deviceName string) error {
	payload, err := json.Marshal(map[string]interface{}{"device": deviceName})
	if err != nil {
		return errors.Wrap(err, "failed to encode disconnect announcement")
	}
	return m.publish(ctx, "v1/gateway/disconnect", payload, QoS1, true)
}

func (m *MQTT) PublishTelemetry(ctx context.Context, deviceName string, payload []byte, qos QoS) (Token, error) {
	topic, body := topicSelfTelemetry, payload
	if deviceName != "" {
		topic = topicTelemetry
		wrapped, err := wrapPerDevice(deviceName, payload)
		if err != nil {
			return nil, err
		}
		body = wrapped
	}
	return m.publishToken(ctx, topic, body, qos)
}

func (m *MQTT) PublishAttributes(ctx context.Context, deviceName string, payload []byte, qos QoS) (Token, error) {
	topic, body := topicSelfAttrs, payload
	if deviceName != "" {
		topic = topicAttributes
		wrapped, err := wrapPerDevice(deviceName, payload)
		if err != nil {
			return nil, err
		}
		body = wrapped
	}
	return m.publishToken(ctx, topic, body, qos)
}

func (m *MQTT) PublishRPCReply(ctx context.Context, deviceName, requestID string, payload []byte, qos QoS, waitForPublish bool) error {
	if deviceName != "" {
		envelope, err := json.Marshal(map[string]interface{}{
			"device": deviceName,
			"id":     requestID,
			"data":   json.RawMessage(payload),
		})
		if err != nil {
			return errors.Wrap(err, "failed to encode rpc reply")
		}
		return m.publish(ctx, "v1/gateway/rpc", envelope, qos, waitForPublish)
	}
	return m.publish(ctx, fmt.Sprintf(topicSelfRPCResp, requestID), payload, qos, waitForPublish)
}

func (m *MQTT) RequestSharedAttributes(ctx context.Context) error {
	payload, err := json.Marshal(map[string]interface{}{"sharedKeys": ""})
	if err != nil {
		return errors.Wrap(err, "failed to encode attribute request")
	}
	return m.publish(ctx, topicAttributesReq, payload, QoS1, true)
}

func wrapPerDevice(deviceName string, payload []byte) ([]byte, error) {
	wrapped, err := json.Marshal(map[string]json.RawMessage{deviceName: payload})
	if err != nil {
		return nil, errors.Wrap(err, "failed to wrap per-device payload")
	}
	return wrapped, nil
}

func (m *MQTT) publish(ctx context.Context, topic string, payload []byte, qos QoS, wait bool) error {
	token, err := m.publishToken(ctx, topic, payload, qos)
	if err != nil {
		return err
	}
	if wait {
		return token.Wait(ctx)
	}
	return nil
}

func (m *MQTT) publishToken(ctx context.Context, topic string, payload []byte, qos QoS) (Token, error) {
	if qos == QoS0 {
		client := m.currentClient()
		client.Publish(topic, 0, false, payload)
		return ImmediateToken, nil
	}

	client := m.currentClient()
	pahoToken := client.Publish(topic, 1, false, payload)
	return &mqttToken{inner: pahoToken}, nil
}

type mqttToken struct {
	inner mqtt.Token
}

func (t *mqttToken) Wait(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		select {
		case <-t.inner.Done():
			return t.inner.Error()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !t.inner.WaitTimeout(time.Until(deadline)) {
		return errors.New("timed out waiting for publish acknowledgement")
	}
	return t.inner.Error()
}

func connectTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return 30 * time.Second
}
