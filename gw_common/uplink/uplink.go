// Package uplink implements the uplink pipeline (C4): drains event storage
// in batches, groups events per device, publishes telemetry/attributes to
// the cloud transport, and commits the storage checkout only once every
// publish is acknowledged, grounded on the teacher's ap.rpcd/rpcd.go main
// loop shape (poll, act, sleep) adapted from RPC serving to batch draining.
package uplink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/event"
	"github.com/brightgate-iot/edgegw/gw_common/registry"
	"github.com/brightgate-iot/edgegw/gw_common/storage"
	"github.com/brightgate-iot/edgegw/gw_common/transport"
)

// DefaultMaxPayloadSizeBytes is spec.md §6's maxPayloadSizeBytes default.
const DefaultMaxPayloadSizeBytes = 4096

// DefaultMinPackSendDelay is spec.md §6's minPackSendDelayMS default.
const DefaultMinPackSendDelay = 500 * time.Millisecond

// idlePollInterval is the short sleep taken when the cloud is disconnected
// or storage has nothing to offer.
const idlePollInterval = 200 * time.Millisecond

// CloudStatus reports transport connectivity and in-progress remote
// configuration state (spec.md §4.4's "skip checkout during restart-
// imminent windows").
type CloudStatus interface {
	Connected() bool
	ConfiguringRemote() bool
}

// RPCGate lets the RPC dispatcher (C6) briefly claim exclusive access to
// the transport while a reply is in flight (spec.md §4.6's "toggles the
// rpcReplySent flag so the uplink yields").
type RPCGate interface {
	ReplyInProgress() bool
}

// accumulator is the per-device fold target of spec.md §4.4's pack
// assembly step.
type accumulator struct {
	telemetry  map[string][]event.TelemetryEntry
	attributes map[string]map[string]interface{}
	size       int
}

func newAccumulator() *accumulator {
	return &accumulator{
		telemetry:  make(map[string][]event.TelemetryEntry),
		attributes: make(map[string]map[string]interface{}),
	}
}

func (a *accumulator) add(c *event.Canonical) {
	if len(c.Telemetry) > 0 {
		a.telemetry[c.DeviceName] = append(a.telemetry[c.DeviceName], c.Telemetry...)
	}
	if len(c.Attributes) > 0 {
		merged := a.attributes[c.DeviceName]
		if merged == nil {
			merged = map[string]interface{}{}
			a.attributes[c.DeviceName] = merged
		}
		for k, v := range c.Attributes {
			merged[k] = v
		}
	}
	a.size += event.ApproxSize(c)
}

func (a *accumulator) empty() bool {
	return len(a.telemetry) == 0 && len(a.attributes) == 0
}

// Pipeline is the uplink worker (C4, W-uplink of spec.md §7).
type Pipeline struct {
	gatewayName string

	store     storage.Backend
	transport transport.Transport
	cloud     CloudStatus
	rpc       RPCGate
	registry  *registry.Registry
	log       *zap.SugaredLogger

	maxPayloadSizeBytes int
	minPackSendDelay    time.Duration

	publishedEvents chan transport.Token
	mu              sync.Mutex
}

// New builds an uplink Pipeline.
func New(gatewayName string, store storage.Backend, tr transport.Transport, cloud CloudStatus, rpc RPCGate, reg *registry.Registry, log *zap.SugaredLogger, maxPayloadSizeBytes int, minPackSendDelay time.Duration) *Pipeline {
	if maxPayloadSizeBytes <= 0 {
		maxPayloadSizeBytes = DefaultMaxPayloadSizeBytes
	}
	if minPackSendDelay <= 0 {
		minPackSendDelay = DefaultMinPackSendDelay
	}
	return &Pipeline{
		gatewayName:         gatewayName,
		store:               store,
		transport:           tr,
		cloud:               cloud,
		rpc:                 rpc,
		registry:            reg,
		log:                 log,
		maxPayloadSizeBytes: maxPayloadSizeBytes,
		minPackSendDelay:    minPackSendDelay,
		publishedEvents:     make(chan transport.Token, 256),
	}
}

// Run executes the uplink state machine until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !p.cloud.Connected() {
			sleep(ctx, idlePollInterval)
			continue
		}
		if p.cloud.ConfiguringRemote() {
			sleep(ctx, idlePollInterval)
			continue
		}
		if p.rpc != nil && p.rpc.ReplyInProgress() {
			sleep(ctx, idlePollInterval)
			continue
		}

		pack, err := p.store.GetEventPack(ctx)
		if err != nil {
			if p.log != nil {
				p.log.Errorw("failed to check out event pack", "error", err)
			}
			sleep(ctx, idlePollInterval)
			continue
		}
		if len(pack) == 0 {
			sleep(ctx, idlePollInterval)
			continue
		}

		if p.runOnce(ctx, pack) {
			if err := p.store.EventPackProcessingDone(ctx); err != nil && p.log != nil {
				p.log.Errorw("failed to commit event pack", "error", err)
			}
		}

		sleep(ctx, p.minPackSendDelay)
	}
}

// runOnce folds and sends one checked-out pack, returning true if every
// publish succeeded and the checkout may be committed.
func (p *Pipeline) runOnce(ctx context.Context, pack [][]byte) bool {
	acc := newAccumulator()

	for _, raw := range pack {
		canonical, err := event.Decode(raw)
		if err != nil {
			if p.log != nil {
				p.log.Errorw("failed to decode stored event, skipping", "error", err)
			}
			continue
		}

		acc.add(canonical)
		if acc.size >= p.maxPayloadSizeBytes {
			if !p.sendPack(ctx, acc) {
				return false
			}
			acc = newAccumulator()
		}
	}

	if !acc.empty() {
		if !p.sendPack(ctx, acc) {
			return false
		}
	}

	return p.drainPublished(ctx)
}

// sendPack flushes one accumulator: for each device, publish attributes
// then telemetry (spec.md §4.4's sendPack), enqueuing a completion token
// per publish onto publishedEvents.
func (p *Pipeline) sendPack(ctx context.Context, acc *accumulator) bool {
	for device, attrs := range acc.attributes {
		payload, err := encodeAttributes(attrs)
		if err != nil {
			if p.log != nil {
				p.log.Errorw("failed to encode attribute bundle", "device", device, "error", err)
			}
			continue
		}
		tok, err := p.transport.PublishAttributes(ctx, selfOrDevice(p.gatewayName, device), payload, transport.QoS1)
		if err != nil {
			if p.log != nil {
				p.log.Errorw("failed to publish attributes", "device", device, "error", err)
			}
			return false
		}
		p.publishedEvents <- tok
	}

	for device, entries := range acc.telemetry {
		payload, err := encodeTelemetry(entries)
		if err != nil {
			if p.log != nil {
				p.log.Errorw("failed to encode telemetry bundle", "device", device, "error", err)
			}
			continue
		}
		tok, err := p.transport.PublishTelemetry(ctx, selfOrDevice(p.gatewayName, device), payload, transport.QoS1)
		if err != nil {
			if p.log != nil {
				p.log.Errorw("failed to publish telemetry", "device", device, "error", err)
			}
			return false
		}
		p.publishedEvents <- tok
	}

	return true
}

// drainPublished waits on every token enqueued since the last drain. A
// single failure aborts the whole pack (spec.md §4.4: "on any failure or
// mid-drain disconnection, abandon").
func (p *Pipeline) drainPublished(ctx context.Context) bool {
	for {
		select {
		case tok := <-p.publishedEvents:
			if err := tok.Wait(ctx); err != nil {
				if p.log != nil {
					p.log.Errorw("publish acknowledgement failed", "error", err)
				}
				p.drainRemaining()
				return false
			}
		default:
			return true
		}
	}
}

func (p *Pipeline) drainRemaining() {
	for {
		select {
		case <-p.publishedEvents:
		default:
			return
		}
	}
}

func selfOrDevice(gatewayName, device string) string {
	if device == gatewayName || device == event.SelfIdentity {
		return ""
	}
	return device
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
