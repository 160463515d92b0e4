// Package rpcdispatch implements the server-side RPC dispatcher (C6):
// routing by device or connector-type prefix, gateway-internal methods,
// scheduled restart/reboot actions, in-flight timeout tracking, and the
// four-form reply transmission, grounded on the teacher's ap.rpcd/rpcd.go
// request-routing and in-progress-call bookkeeping, adapted from a single
// gRPC method set to a device/connector-routed RPC fabric.
package rpcdispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/connector"
	"github.com/brightgate-iot/edgegw/gw_common/registry"
	"github.com/brightgate-iot/edgegw/gw_common/transport"
)

// Connectors resolves the live connector set by name or protocol type.
type Connectors interface {
	ByName(name string) (connector.Connector, bool)
	ByType(typ string) []connector.Connector
}

// Stats supplies a snapshot for the gateway_stats internal method.
type Stats interface {
	Snapshot() map[string]interface{}
}

// Updater backs the gateway_update and gateway_version internal methods.
type Updater interface {
	Update(ctx context.Context) error
	Versions() (current, latest string)
}

// SystemAction performs the actual restart/reboot invocation, injected by
// the embedding daemon. Its return value mirrors the original's os.system()
// reboot convention, where 256 signals a permission-denied failure
// (spec.md §4.6's "a return code of 256 from a reboot action is logged as
// 'permission denied'"). A nil SystemAction is treated as an always-
// succeeding no-op.
type SystemAction func(name string) int

// scheduledCall is a deferred action the main loop pops once its time has
// come (spec.md §4.6's "restart and reboot ... enqueued as (runAtMs,
// action) tuples").
type scheduledCall struct {
	runAtMs int64
	name    string
	action  func() int
}

// pendingRequest is an in-flight connector-routed RPC awaiting either a
// reply or its deadline.
type pendingRequest struct {
	requestID  string
	topic      string
	deadlineMs int64
	cancel     func(topic string)
	del        bool
}

// Dispatcher is the RPC dispatcher (C6).
type Dispatcher struct {
	registry   *registry.Registry
	connectors Connectors
	stats      Stats
	updater    Updater
	transport  transport.Transport
	log        *zap.SugaredLogger

	remoteShellCommands map[string]bool
	remoteShellEnabled  bool
	systemAction        SystemAction

	mu              sync.Mutex
	scheduled       []scheduledCall
	inbound         chan pendingRequest
	inProgress      map[string]*pendingRequest
	replyInProgress bool

	now func() int64
}

// New builds a Dispatcher. remoteShellEnabled gates the remoteShell
// configuration key of spec.md §6.
func New(reg *registry.Registry, connectors Connectors, stats Stats, updater Updater, tr transport.Transport, log *zap.SugaredLogger, remoteShellEnabled bool) *Dispatcher {
	return &Dispatcher{
		registry:            reg,
		connectors:          connectors,
		stats:               stats,
		updater:             updater,
		transport:           tr,
		log:                 log,
		remoteShellEnabled:  remoteShellEnabled,
		remoteShellCommands: map[string]bool{"shell": true, "exec": true},
		inbound:             make(chan pendingRequest, 256),
		inProgress:          make(map[string]*pendingRequest),
		now:                 func() int64 { return time.Now().UnixMilli() },
	}
}

// SetSystemAction installs the concrete restart/reboot invocation. Called
// by the embedding daemon; a Dispatcher with no SystemAction set logs its
// scheduled actions without touching the OS.
func (d *Dispatcher) SetSystemAction(fn SystemAction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.systemAction = fn
}

// ReplyInProgress reports whether a reply is currently being transmitted,
// satisfying the uplink pipeline's RPCGate contract (spec.md §4.6's
// "toggles the rpcReplySent flag so the uplink yields").
func (d *Dispatcher) ReplyInProgress() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replyInProgress
}

// OnRPCRequest is the ingress entry point (spec.md §4.6's onRpcRequest).
func (d *Dispatcher) OnRPCRequest(ctx context.Context, requestID string, content map[string]interface{}) {
	if deviceRaw, ok := content["device"]; ok {
		device, _ := deviceRaw.(string)
		d.routeToDevice(ctx, device, requestID, content)
		return
	}

	method, _ := content["method"].(string)
	module := methodPrefix(method)

	if conns := d.connectors.ByType(module); len(conns) > 0 {
		d.broadcast(ctx, conns, requestID, content)
		return
	}

	if module == "gateway" || (d.remoteShellEnabled && d.remoteShellCommands[module]) {
		d.dispatchInternal(ctx, requestID, method, content)
		return
	}

	d.sendRPCReply(ctx, "", requestID, nil, nil, map[string]interface{}{"error": "connector not found", "code": 404}, transport.QoS1, true)
}

func methodPrefix(method string) string {
	parts := strings.SplitN(method, "_", 2)
	return parts[0]
}

// resultAsMap normalizes a connector's RPCResult.Result into the map shape
// sendRPCReply expects; a non-map result (e.g. a scalar) is wrapped under
// "result" rather than dropped.
func resultAsMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"result": v}
}

func (d *Dispatcher) routeToDevice(ctx context.Context, device, requestID string, content map[string]interface{}) {
	rec, ok := d.registry.Lookup(device)
	if !ok || rec.Conn == nil {
		d.sendRPCReply(ctx, device, requestID, nil, nil, map[string]interface{}{"error": "connector not found", "code": 404}, transport.QoS1, true)
		return
	}
	result, err := rec.Conn.ServerSideRPCHandler(ctx, content)
	if err != nil {
		d.sendRPCReply(ctx, device, requestID, nil, nil, map[string]interface{}{"error": err.Error(), "code": 500}, transport.QoS1, true)
		return
	}
	if result != nil && result.Result != nil {
		d.sendRPCReply(ctx, device, requestID, nil, resultAsMap(result.Result), nil, transport.QoS1, true)
	}
	// A nil result sends no reply here. The Dispatcher exports no reply
	// method for a connector to answer later; RegisterTimeout only
	// arranges a timeout reply once the deadline passes.
}

// broadcast forwards to every connector of a matching type; the first
// non-null result wins (spec.md §4.6).
func (d *Dispatcher) broadcast(ctx context.Context, conns []connector.Connector, requestID string, content map[string]interface{}) {
	for _, c := range conns {
		result, err := c.ServerSideRPCHandler(ctx, content)
		if err != nil {
			continue
		}
		if result != nil && result.Result != nil {
			d.sendRPCReply(ctx, "", requestID, nil, resultAsMap(result.Result), nil, transport.QoS1, true)
			return
		}
	}
	d.sendRPCReply(ctx, "", requestID, nil, nil, map[string]interface{}{"error": "connector not found", "code": 404}, transport.QoS1, true)
}

// dispatchInternal handles gateway_* methods (spec.md §4.6's
// "Gateway-internal methods").
func (d *Dispatcher) dispatchInternal(ctx context.Context, requestID, method string, content map[string]interface{}) {
	_, suffix, found := strings.Cut(method, "_")
	if !found {
		suffix = method
	}

	switch suffix {
	case "ping":
		d.sendRPCReply(ctx, "", requestID, nil, map[string]interface{}{"code": 200, "resp": "pong"}, nil, transport.QoS1, true)

	case "stats":
		var snap map[string]interface{}
		if d.stats != nil {
			snap = d.stats.Snapshot()
		}
		d.sendRPCReply(ctx, "", requestID, nil, snap, nil, transport.QoS1, true)

	case "devices":
		var devices map[string]string
		if d.registry != nil {
			devices = d.registry.Get()
		}
		d.sendRPCReply(ctx, "", requestID, nil, map[string]interface{}{"devices": devices}, nil, transport.QoS1, true)

	case "update":
		if d.updater != nil {
			go func() {
				if err := d.updater.Update(ctx); err != nil && d.log != nil {
					d.log.Errorw("self-update failed", "error", err)
				}
			}()
		}
		d.sendRPCReply(ctx, "", requestID, nil, map[string]interface{}{"code": 200, "resp": "update started"}, nil, transport.QoS1, true)

	case "version":
		var current, latest string
		if d.updater != nil {
			current, latest = d.updater.Versions()
		}
		d.sendRPCReply(ctx, "", requestID, nil, map[string]interface{}{"current": current, "latest": latest}, nil, transport.QoS1, true)

	case "restart", "reboot":
		delayMs, ok := parseScheduleDelayMs(content["params"])
		if !ok {
			d.sendRPCReply(ctx, "", requestID, nil, nil, map[string]interface{}{"error": "params must be a numeric delay in seconds", "code": 400}, transport.QoS1, true)
			return
		}
		d.scheduleAction(suffix, d.now()+delayMs, func() int { return d.runSystemAction(suffix) })
		d.sendRPCReply(ctx, "", requestID, nil, map[string]interface{}{"code": 200, "resp": suffix + " scheduled"}, nil, transport.QoS1, true)

	default:
		d.sendRPCReply(ctx, "", requestID, nil, nil, map[string]interface{}{"error": "unknown gateway method", "code": 404}, transport.QoS1, true)
	}
}

// parseScheduleDelayMs extracts the restart/reboot delay from an RPC
// request's params, following the original's "seconds_to_restart =
// arguments * 1000" convention: params names a delay in seconds, missing
// or empty params default to 0, and anything else that isn't numeric is
// rejected so the caller can reply 400 (spec.md §4.6's Open Question on
// malformed restart/reboot params).
func parseScheduleDelayMs(params interface{}) (int64, bool) {
	switch v := params.(type) {
	case nil:
		return 0, true
	case float64:
		return int64(v * 1000), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return int64(f * 1000), true
	case map[string]interface{}:
		if len(v) == 0 {
			return 0, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// runSystemAction is the actual restart/reboot invocation point, delegating
// to the injected SystemAction, logging the 256 "permission denied" result
// spec.md §4.6 calls out.
func (d *Dispatcher) runSystemAction(name string) int {
	if d.log != nil {
		d.log.Infow("running scheduled system action", "action", name)
	}
	if d.systemAction == nil {
		return 0
	}
	return d.systemAction(name)
}

// scheduleAction enqueues a (runAtMs, action) tuple.
func (d *Dispatcher) scheduleAction(name string, runAtMs int64, action func() int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled = append(d.scheduled, scheduledCall{runAtMs: runAtMs, name: name, action: action})
}

// RegisterTimeout enqueues a connector-routed RPC's deadline tracking onto
// the inbound queue (spec.md §4.6's registerRpcRequestTimeout).
func (d *Dispatcher) RegisterTimeout(requestID, topic string, deadlineMs int64, cancel func(topic string)) {
	d.inbound <- pendingRequest{requestID: requestID, topic: topic, deadlineMs: deadlineMs, cancel: cancel}
}

// Tick performs one scheduler pass: draining the inbound queue, running
// due scheduled actions, and canceling timed-out in-progress requests
// (spec.md §4.6's per-tick reconciliation, driven by C8).
func (d *Dispatcher) Tick(ctx context.Context) {
	nowMs := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.drainInboundLocked()
	d.runDueScheduledLocked()
	d.reconcileTimeoutsLocked(ctx, nowMs)
}

func (d *Dispatcher) drainInboundLocked() {
	for {
		select {
		case req := <-d.inbound:
			d.inProgress[req.requestID] = &req
		default:
			return
		}
	}
}

func (d *Dispatcher) runDueScheduledLocked() {
	nowMs := d.now()
	remaining := d.scheduled[:0]
	for _, call := range d.scheduled {
		if nowMs >= call.runAtMs {
			if result := call.action(); result == 256 && d.log != nil {
				d.log.Warnw("scheduled system action failed: permission denied", "action", call.name)
			}
			continue
		}
		remaining = append(remaining, call)
	}
	d.scheduled = remaining
}

func (d *Dispatcher) reconcileTimeoutsLocked(ctx context.Context, nowMs int64) {
	for id, req := range d.inProgress {
		if nowMs >= req.deadlineMs {
			d.cancelRPCRequestLocked(ctx, req)
			req.del = true
		}
		if req.del {
			delete(d.inProgress, id)
		}
	}
}

// cancelRPCRequestLocked invokes the timeout's cancelFn and sends a
// failure reply to the originator (spec.md §4.6's cancelRpcRequest).
func (d *Dispatcher) cancelRPCRequestLocked(ctx context.Context, req *pendingRequest) {
	if req.cancel != nil {
		req.cancel(req.topic)
	}
	if d.log != nil {
		d.log.Warnw("rpc request timed out", "requestId", req.requestID, "topic", req.topic)
	}
	d.sendRPCReplyLocked(ctx, "", req.requestID, nil, nil, map[string]interface{}{"error": "request timed out", "code": 408}, transport.QoS1, true)
}

func boolPtr(v bool) *bool { return &v }

// sendRPCReply selects one of the four forms of spec.md §4.6's
// sendRpcReply table and transmits it, toggling replyInProgress around the
// publish so the uplink yields.
func (d *Dispatcher) sendRPCReply(ctx context.Context, device, requestID string, successSent *bool, content map[string]interface{}, errContent map[string]interface{}, qos transport.QoS, waitForPublish bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendRPCReplyLocked(ctx, device, requestID, successSent, content, errContent, qos, waitForPublish)
}

func (d *Dispatcher) sendRPCReplyLocked(ctx context.Context, device, requestID string, successSent *bool, content map[string]interface{}, errContent map[string]interface{}, qos transport.QoS, waitForPublish bool) {
	body := content
	if body == nil {
		body = errContent
	}
	if successSent != nil {
		body = map[string]interface{}{"success": *successSent}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		if d.log != nil {
			d.log.Errorw("failed to encode rpc reply", "error", err)
		}
		return
	}

	d.replyInProgress = true
	if err := d.transport.PublishRPCReply(ctx, device, requestID, payload, qos, waitForPublish); err != nil && d.log != nil {
		d.log.Errorw("failed to publish rpc reply", "requestId", requestID, "error", err)
	}
	d.replyInProgress = false
}
