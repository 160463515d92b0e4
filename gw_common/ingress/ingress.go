// Package ingress implements the ingress pipeline (C3): a single consumer
// that validates, tags, and normalizes connector output before handing it
// to event storage, grounded on the teacher's cl_common/daemonutils.go
// worker-loop-over-a-channel pattern (FanOut/consumer goroutine shape),
// adapted here from a fan-out broadcast to a single-consumer work queue.
package ingress

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/event"
	"github.com/brightgate-iot/edgegw/gw_common/registry"
	"github.com/brightgate-iot/edgegw/gw_common/storage"
)

// Item is a single unit of work submitted by a connector.
type Item struct {
	ConnectorName string
	ConnectorType string
	DeviceType    string
	Data          []byte
}

// CloudStatus reports whether the uplink transport currently has a live
// cloud session. Auto-registration (step 3 of spec.md §4.3) only happens
// while connected.
type CloudStatus interface {
	Connected() bool
}

// Stats receives per-connector message counts for the statistics reporter
// (C8's periodic stats publish, spec.md §4.8).
type Stats interface {
	IncConnectorMessages(connectorName string)
}

// Pipeline is the ingress consumer (C3).
type Pipeline struct {
	queue chan Item

	gatewayName string
	registry    *registry.Registry
	store       storage.Backend
	cloud       CloudStatus
	stats       Stats
	log         *zap.SugaredLogger

	now func() time.Time
}

// New builds a Pipeline with an unbounded (large-buffered) ingress queue,
// matching spec.md §4.3's "unbounded in-memory" queue. Go channels require
// a finite buffer; queueDepth should be sized generously relative to the
// expected connector fan-in, since the capability being modeled is "never
// blocks the connector", not literal unbounded memory.
func New(gatewayName string, reg *registry.Registry, store storage.Backend, cloud CloudStatus, stats Stats, log *zap.SugaredLogger, queueDepth int) *Pipeline {
	if queueDepth <= 0 {
		queueDepth = 4096
	}
	return &Pipeline{
		queue:       make(chan Item, queueDepth),
		gatewayName: gatewayName,
		registry:    reg,
		store:       store,
		cloud:       cloud,
		stats:       stats,
		log:         log,
		now:         time.Now,
	}
}

// SendToStorage is the capability connectors call to submit a payload
// (spec.md §4.3's sendToStorage(connectorName, data)). It never blocks the
// caller beyond the queue send; a full queue indicates the consumer has
// fallen far behind and the connector should back off on its own cadence.
func (p *Pipeline) SendToStorage(connectorName, connectorType, deviceType string, data []byte) bool {
	select {
	case p.queue <- Item{ConnectorName: connectorName, ConnectorType: connectorType, DeviceType: deviceType, Data: data}:
		return true
	default:
		if p.log != nil {
			p.log.Warnw("ingress queue full, dropping item", "connector", connectorName)
		}
		return false
	}
}

// Run drains the queue until ctx is cancelled. It is the W-ingress worker
// of spec.md §7.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue:
			p.process(ctx, item)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, item Item) {
	raw, err := event.DecodeRaw(item.Data)
	if err != nil {
		if p.log != nil {
			p.log.Errorw("failed to decode ingress item", "connector", item.ConnectorName, "error", err)
		}
		return
	}

	// Step 1: self-telemetry bypass.
	if item.ConnectorName == p.gatewayName {
		raw.DeviceName = event.SelfIdentity
	} else {
		// Step 2: validate.
		if err := raw.Validate(); err != nil {
			if p.log != nil {
				p.log.Errorw("dropping invalid event", "connector", item.ConnectorName, "error", err)
			}
			return
		}

		// Step 3: auto-register if unknown and cloud is connected.
		if p.registry != nil {
			if _, known := p.registry.Lookup(raw.DeviceName); !known {
				if p.cloud == nil || p.cloud.Connected() {
					devType := raw.DeviceType
					if devType == "" {
						devType = item.DeviceType
					}
					if err := p.registry.Add(raw.DeviceName, item.ConnectorName, devType, nil); err != nil {
						if p.log != nil {
							p.log.Errorw("failed to auto-register device", "device", raw.DeviceName, "error", err)
						}
					}
				}
			}
		}
	}

	// Step 4: per-connector message counter.
	if p.stats != nil {
		p.stats.IncConnectorMessages(item.ConnectorName)
	}

	// Step 5: normalize.
	canonical, err := event.Normalize(raw, p.now().UnixMilli())
	if err != nil {
		if p.log != nil {
			p.log.Errorw("failed to normalize event", "device", raw.DeviceName, "error", err)
		}
		return
	}

	// Step 6: serialize and store.
	encoded, err := event.Encode(canonical)
	if err != nil {
		if p.log != nil {
			p.log.Errorw("failed to encode event", "device", raw.DeviceName, "error", err)
		}
		return
	}

	accepted, err := p.store.Put(ctx, encoded)
	if err != nil {
		if p.log != nil {
			p.log.Errorw("storage rejected event with error", "device", raw.DeviceName, "error", err)
		}
		return
	}
	if !accepted {
		if p.log != nil {
			p.log.Errorw("storage at capacity, dropping event", "device", raw.DeviceName)
		}
	}
}
