package gwstats

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/brightgate-iot/edgegw/gw_common/transport"
)

// Reporter publishes a statistics snapshot as the gateway's own client
// attributes, satisfying scheduler.StatsReporter (spec.md §4.8 item 5,
// "statistics emission").
type Reporter struct {
	metrics   *Metrics
	transport transport.Transport
}

// NewReporter builds a Reporter over metrics, publishing through tr.
func NewReporter(metrics *Metrics, tr transport.Transport) *Reporter {
	return &Reporter{metrics: metrics, transport: tr}
}

// PublishStats satisfies scheduler.StatsReporter.
func (r *Reporter) PublishStats(ctx context.Context) error {
	snap := r.metrics.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "failed to encode statistics snapshot")
	}
	tok, err := r.transport.PublishAttributes(ctx, "", payload, transport.QoS0)
	if err != nil {
		return errors.Wrap(err, "failed to publish statistics")
	}
	return tok.Wait(ctx)
}
