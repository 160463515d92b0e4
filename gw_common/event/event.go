// Package event implements the canonical event and device records of
// spec.md §3, and the normalization step ("canonical uplink form") that
// turns a connector's raw payload into the bytes C1 storage holds opaque.
package event

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// DefaultDeviceType is substituted when a connector omits deviceType.
const DefaultDeviceType = "default"

// SelfIdentity is the reserved device name the gateway publishes its own
// telemetry/attributes under, instead of as a child device.
const SelfIdentity = "currentThingsBoardGateway"

// TelemetryEntry is a single timestamped bundle of values. Ts is
// milliseconds since the epoch; a zero Ts is omitted from the encoded
// event. Normalization stamps only bare value maps with the ingestion
// time; a {values} object without ts keeps a zero Ts.
type TelemetryEntry struct {
	Ts     int64                  `json:"ts,omitempty"`
	Values map[string]interface{} `json:"values"`
}

// Raw is the connector-supplied payload before normalization: telemetry may
// arrive as a single {ts?,values} object, a bare map of key->value, or a
// list of either shape, and attributes may arrive as an object or a list of
// objects. json.RawMessage defers the shape decision to normalization.
type Raw struct {
	DeviceName string          `json:"deviceName"`
	DeviceType string          `json:"deviceType,omitempty"`
	Telemetry  json.RawMessage `json:"telemetry,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// Canonical is the normalized, storage-ready form: telemetry is always a
// list of TelemetryEntry, attributes are always a single merged map.
type Canonical struct {
	DeviceName string                 `json:"deviceName"`
	DeviceType string                 `json:"deviceType"`
	Telemetry  []TelemetryEntry       `json:"telemetry,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Validate implements the capability spec.md §4.3 calls
// validateConvertedData: a raw payload must name a device and carry at
// least one of telemetry/attributes.
func (r *Raw) Validate() error {
	if r.DeviceName == "" {
		return errors.New("event missing deviceName")
	}
	if len(r.Telemetry) == 0 && len(r.Attributes) == 0 {
		return errors.New("event has neither telemetry nor attributes")
	}
	return nil
}

// DecodeRaw parses a connector's JSON payload into a Raw record.
func DecodeRaw(data []byte) (*Raw, error) {
	var r Raw
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "failed to decode event")
	}
	return &r, nil
}

// normalizeTelemetry implements spec.md §4.3 step 5: entries with an
// explicit ts are split out and emitted as-is; bare maps are merged into a
// single bundle stamped with nowMs.
func normalizeTelemetry(raw json.RawMessage, nowMs int64) ([]TelemetryEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	// Try the three accepted shapes in turn: list, single {ts,values}
	// object, or a bare key->value map.
	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err == nil {
		return normalizeTelemetryList(asList, nowMs)
	}

	var asEntry struct {
		Ts     int64                  `json:"ts"`
		Values map[string]interface{} `json:"values"`
	}
	if err := json.Unmarshal(raw, &asEntry); err == nil && asEntry.Values != nil {
		return []TelemetryEntry{{Ts: asEntry.Ts, Values: asEntry.Values}}, nil
	}

	var bare map[string]interface{}
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, errors.Wrap(err, "unrecognized telemetry shape")
	}
	return []TelemetryEntry{{Ts: nowMs, Values: bare}}, nil
}

func normalizeTelemetryList(items []json.RawMessage, nowMs int64) ([]TelemetryEntry, error) {
	var timestamped []TelemetryEntry
	merged := map[string]interface{}{}
	haveBare := false

	for _, item := range items {
		var asEntry struct {
			Ts     int64                  `json:"ts"`
			Values map[string]interface{} `json:"values"`
		}
		if err := json.Unmarshal(item, &asEntry); err == nil && asEntry.Values != nil {
			timestamped = append(timestamped, TelemetryEntry{Ts: asEntry.Ts, Values: asEntry.Values})
			continue
		}

		var bare map[string]interface{}
		if err := json.Unmarshal(item, &bare); err != nil {
			return nil, errors.Wrap(err, "unrecognized telemetry list entry")
		}
		haveBare = true
		for k, v := range bare {
			merged[k] = v
		}
	}

	if len(timestamped) > 0 {
		if haveBare {
			timestamped = append(timestamped, TelemetryEntry{Ts: nowMs, Values: merged})
		}
		return timestamped, nil
	}
	if haveBare {
		return []TelemetryEntry{{Ts: nowMs, Values: merged}}, nil
	}
	return nil, nil
}

// normalizeAttributes merges any accepted attribute shape into one map.
func normalizeAttributes(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asList []map[string]interface{}
	if err := json.Unmarshal(raw, &asList); err == nil {
		merged := map[string]interface{}{}
		for _, m := range asList {
			for k, v := range m {
				merged[k] = v
			}
		}
		return merged, nil
	}

	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, errors.Wrap(err, "unrecognized attributes shape")
	}
	return asMap, nil
}

// Normalize turns a validated Raw record into its Canonical, storage-ready
// form, stamping any bare telemetry bundle with nowMs.
func Normalize(r *Raw, nowMs int64) (*Canonical, error) {
	devType := r.DeviceType
	if devType == "" {
		devType = DefaultDeviceType
	}

	telemetry, err := normalizeTelemetry(r.Telemetry, nowMs)
	if err != nil {
		return nil, err
	}
	attrs, err := normalizeAttributes(r.Attributes)
	if err != nil {
		return nil, err
	}

	return &Canonical{
		DeviceName: r.DeviceName,
		DeviceType: devType,
		Telemetry:  telemetry,
		Attributes: attrs,
	}, nil
}

// Encode serializes a Canonical event to the opaque byte form storage holds.
func Encode(c *Canonical) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode event")
	}
	return b, nil
}

// Decode parses the opaque byte form back into a Canonical event. Storage
// backends treat events as opaque bytes; only the uplink pipeline decodes
// them, per spec.md §4.1.
func Decode(data []byte) (*Canonical, error) {
	var c Canonical
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "failed to decode stored event")
	}
	return &c, nil
}

// ApproxSize marshals a single canonical event to estimate its marginal
// contribution to a pack's byte count. Per Design Note §9 ("Size
// estimation"), callers accumulating a pack add this value to a running
// total rather than repeatedly re-marshaling the whole, growing accumulator.
func ApproxSize(c *Canonical) int {
	b, err := Encode(c)
	if err != nil {
		return 0
	}
	return len(b)
}
