// Package gwstats implements the statistics component referenced by the
// periodic scheduler (C8) and the gateway_stats RPC method (C6), grounded
// on the teacher's ap_common/bgmetrics package's Counter/Gauge naming and
// per-metric update-tracking, adapted from bgmetrics' own config-tree-
// backed metric store to a github.com/prometheus/client_golang registry,
// since this gateway has no equivalent of the teacher's property-tree
// config daemon to publish metrics through.
package gwstats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter wraps a prometheus counter with the teacher's Inc/Add naming.
type Counter struct {
	c prometheus.Counter
}

func (c *Counter) Inc()          { c.c.Inc() }
func (c *Counter) Add(v float64) { c.c.Add(v) }

// Gauge wraps a prometheus gauge with the teacher's Set naming.
type Gauge struct {
	g prometheus.Gauge
}

func (g *Gauge) Set(v float64) { g.g.Set(v) }
func (g *Gauge) Inc()          { g.g.Inc() }
func (g *Gauge) Add(v float64) { g.g.Add(v) }

// Metrics is the statistics registry (C8's stats snapshot, C6's
// gateway_stats method). One instance is created per gateway process.
type Metrics struct {
	registry *prometheus.Registry

	mu                sync.Mutex
	connectorMessages map[string]prometheus.Counter

	eventsStored     prometheus.Counter
	eventsPublished  prometheus.Counter
	packsSent        prometheus.Counter
	packsAbandoned   prometheus.Counter
	cloudConnected   prometheus.Gauge
	devicesConnected prometheus.Gauge
}

// New builds a Metrics registry with the gateway's fixed metric set
// pre-registered, and a per-connector counter vector populated lazily as
// connectors report traffic.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:          reg,
		connectorMessages: make(map[string]prometheus.Counter),
		eventsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "events_stored_total",
			Help:      "Events accepted into durable storage by the ingress pipeline.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "events_published_total",
			Help:      "Events successfully published to the cloud by the uplink pipeline.",
		}),
		packsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "packs_sent_total",
			Help:      "Uplink packs committed after every publish in the pack succeeded.",
		}),
		packsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "packs_abandoned_total",
			Help:      "Uplink packs abandoned after a publish failure or mid-drain disconnection.",
		}),
		cloudConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "cloud_connected",
			Help:      "1 if the cloud transport currently has a live session, 0 otherwise.",
		}),
		devicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "devices_connected",
			Help:      "Number of devices currently present in the device registry.",
		}),
	}

	reg.MustRegister(m.eventsStored, m.eventsPublished, m.packsSent, m.packsAbandoned, m.cloudConnected, m.devicesConnected)
	return m
}

// Registry exposes the underlying prometheus registry for an HTTP
// /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncConnectorMessages satisfies the ingress pipeline's Stats contract
// (spec.md §4.3 step 4, "increment the per-connector message counter").
func (m *Metrics) IncConnectorMessages(connectorName string) {
	m.mu.Lock()
	c, ok := m.connectorMessages[connectorName]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gateway",
			Name:        "connector_messages_total",
			Help:        "Messages received from a single connector.",
			ConstLabels: prometheus.Labels{"connector": connectorName},
		})
		m.registry.MustRegister(c)
		m.connectorMessages[connectorName] = c
	}
	m.mu.Unlock()
	c.Inc()
}

func (m *Metrics) EventsStored() *Counter    { return &Counter{m.eventsStored} }
func (m *Metrics) EventsPublished() *Counter { return &Counter{m.eventsPublished} }
func (m *Metrics) PacksSent() *Counter       { return &Counter{m.packsSent} }
func (m *Metrics) PacksAbandoned() *Counter  { return &Counter{m.packsAbandoned} }
func (m *Metrics) CloudConnected() *Gauge    { return &Gauge{m.cloudConnected} }
func (m *Metrics) DevicesConnected() *Gauge  { return &Gauge{m.devicesConnected} }

// Snapshot gathers the current metric family values into a plain map for
// the gateway_stats RPC reply (C6) and the periodic stats publish (C8),
// since neither wants to ship raw prometheus exposition text to the cloud.
func (m *Metrics) Snapshot() map[string]interface{} {
	families, err := m.registry.Gather()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}

	out := make(map[string]interface{}, len(families))
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := fam.GetName()
			if len(metric.GetLabel()) > 0 {
				for _, lbl := range metric.GetLabel() {
					key = key + "." + lbl.GetValue()
				}
			}
			switch {
			case metric.Counter != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.Gauge != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out
}
