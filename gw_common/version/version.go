// Package version reports the gateway's build version and backs the
// self-update boundary, grounded on the teacher's common/release package's
// release-descriptor shape, adapted from an installable-artifact bundle
// description to a single running daemon's current/latest version pair.
package version

import "context"

// Current and Build are overridden at link time via -ldflags
// "-X github.com/brightgate-iot/edgegw/gw_common/version.Current=...".
var (
	Current = "dev"
	Build   = "unknown"
)

// Updater is the self-update boundary consumed by C6's gateway_update and
// gateway_version RPC methods. It is out of scope for this core (spec.md
// §1 names connectors and transports as the only injected boundaries, but
// the periodic version check of spec.md §4.8 needs somewhere to live);
// modeled as an injected interface per Design Note §9 rather than a
// concrete implementation, with NoopUpdater as the default.
type Updater interface {
	// Update fetches and installs the latest release. Returns once the
	// new version is staged; actual process replacement is left to the
	// embedding daemon's restart handling.
	Update(ctx context.Context) error

	// Versions reports the running version and the latest one known to
	// be available, queried from a release feed.
	Versions() (current, latest string)
}

// NoopUpdater reports the compiled-in version as both current and latest,
// and treats Update as a no-op success. Suitable for deployments with no
// self-update channel configured.
type NoopUpdater struct{}

func (NoopUpdater) Update(context.Context) error { return nil }

func (NoopUpdater) Versions() (current, latest string) {
	return Current, Current
}
