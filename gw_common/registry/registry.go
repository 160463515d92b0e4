// Package registry implements the device registry (C2): an in-memory map of
// known devices to their owning connector, persisted as a JSON document,
// grounded on the teacher's device.DevicesLoad/JSON-map pattern
// (ap_common/device) adapted from a read-only device database to a
// mutate-and-persist registry.
package registry

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/brightgate-iot/edgegw/gw_common/connector"
)

// FileName is the fixed registry file under the configuration directory,
// per spec.md §6: "{configDir}/connected_devices.json".
const FileName = "connected_devices.json"

// Device is the in-memory device record of spec.md §3. Conn is a weak back
// reference to the live connector: it is nil for an orphan entry loaded
// from disk whose connector hasn't (re)bound yet.
type Device struct {
	Name          string
	Type          string
	ConnectorName string
	Conn          connector.Connector
}

// Registry is the device registry (C2). All mutations are serialized under
// a single mutex covering the read-modify-persist sequence, per spec.md §5
// ("a reentrant lock covering read-modify-persist sequences").
type Registry struct {
	mu      sync.Mutex
	fs      afero.Fs
	dir     string
	devices map[string]*Device
	log     *zap.SugaredLogger
}

// New creates a registry rooted at configDir, using fs for persistence.
func New(fs afero.Fs, configDir string, log *zap.SugaredLogger) *Registry {
	return &Registry{
		fs:      fs,
		dir:     configDir,
		devices: make(map[string]*Device),
		log:     log,
	}
}

func (r *Registry) path() string {
	return r.dir + "/" + FileName
}

// Load reads the persisted {deviceName: connectorName} map. A missing or
// empty file is equivalent to an empty registry (spec.md §4.2).
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := afero.ReadFile(r.fs, r.path())
	if err != nil {
		if pathErrorIsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to read device registry")
	}
	if len(data) == 0 {
		return nil
	}

	var onDisk map[string]string
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return errors.Wrap(err, "failed to parse device registry")
	}

	for name, connName := range onDisk {
		r.devices[name] = &Device{Name: name, ConnectorName: connName}
	}
	return nil
}

// Rebind iterates the loaded map after connectors have loaded: entries
// whose ConnectorName matches a loaded connector are bound to it; orphans
// are retained without a live reference (spec.md §4.2, "Rebinding on
// startup").
func (r *Registry) Rebind(loaded map[string]connector.Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		if conn, ok := loaded[d.ConnectorName]; ok {
			d.Conn = conn
		} else {
			d.Conn = nil
			if r.log != nil {
				r.log.Infow("device retained without live connector",
					"device", d.Name, "connector", d.ConnectorName)
			}
		}
	}
}

// save rewrites the registry file in full. Caller must hold mu.
func (r *Registry) save() error {
	onDisk := make(map[string]string, len(r.devices))
	for name, d := range r.devices {
		onDisk[name] = d.ConnectorName
	}

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal device registry")
	}

	// Sort keys for deterministic output, matching spec.md §6's "written
	// indented with sorted keys" (json.MarshalIndent on a Go map already
	// sorts string keys, but we keep the explicit sort as documentation
	// of that requirement and a guard against any future switch to a
	// different encoder).
	keys := make([]string, 0, len(onDisk))
	for k := range onDisk {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := afero.WriteFile(r.fs, r.path(), data, 0644); err != nil {
		// Registry persistence failure is logged but non-fatal; the
		// in-memory state is retained so operation continues
		// (spec.md §7).
		if r.log != nil {
			r.log.Errorw("failed to persist device registry", "error", err)
		}
		return nil
	}
	return nil
}

// Add registers a new device, or updates an existing one's type/connector,
// and persists the change.
func (r *Registry) Add(name, connectorName, devType string, conn connector.Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[name]
	if !ok {
		d = &Device{Name: name}
		r.devices[name] = d
	}
	d.ConnectorName = connectorName
	d.Type = devType
	d.Conn = conn

	return r.save()
}

// Update mutates a single field of an existing device and persists the
// change. Unknown field names are a programmer error and return an error.
func (r *Registry) Update(name, field, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[name]
	if !ok {
		return errors.Errorf("unknown device %q", name)
	}

	switch field {
	case "type":
		d.Type = value
	case "connectorName":
		d.ConnectorName = value
	default:
		return errors.Errorf("unknown device field %q", field)
	}

	return r.save()
}

// Del removes a device and persists the change. The caller (the ingress/RPC
// layer) is responsible for notifying the cloud with a disconnect
// announcement; Del only manages the in-memory/on-disk record.
func (r *Registry) Del(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[name]; !ok {
		return nil
	}
	delete(r.devices, name)
	return r.save()
}

// Get returns a snapshot map of deviceName -> connectorName, satisfying the
// gateway_devices RPC (spec.md §4.6) and the testable invariant in spec.md
// §8 ("get() equals union of loaded/added minus deleted, at all quiescent
// points").
func (r *Registry) Get() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.devices))
	for name, d := range r.devices {
		out[name] = d.ConnectorName
	}
	return out
}

// Lookup returns the live Device record for name, if any.
func (r *Registry) Lookup(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[name]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// Snapshot returns a copy of every device record, for the connection
// supervisor's reconnect re-announce pass.
func (r *Registry) Snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

func pathErrorIsNotExist(err error) bool {
	return os.IsNotExist(errors.Cause(err))
}
