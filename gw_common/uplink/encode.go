package uplink

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/brightgate-iot/edgegw/gw_common/event"
)

func encodeTelemetry(entries []event.TelemetryEntry) ([]byte, error) {
	b, err := json.Marshal(entries)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode telemetry bundle")
	}
	return b, nil
}

func encodeAttributes(attrs map[string]interface{}) ([]byte, error) {
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode attribute bundle")
	}
	return b, nil
}
