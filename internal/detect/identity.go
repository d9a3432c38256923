package detect

import (
	"context"
	"strings"

	"github.com/maristack/vigia-core/internal/registry"
)

// Ship identity resolution sources, recorded in meta.ship_id_source
// for debugging. Order here mirrors precedence.
const (
	SourceOriginalField    = "original_field"
	SourceMetadataField    = "metadata_field"
	SourceRegistry         = "registry"
	SourceHostnameFallback = "hostname_fallback"
	SourceNoHostname       = "no_hostname"
)

// RegistryClient is the lookup surface the resolver needs. Satisfied
// by *registry.Client.
type RegistryClient interface {
	Lookup(ctx context.Context, hostname string) (registry.Mapping, error)
}

// Identity carries the raw identity hints extracted from a record.
type Identity struct {
	ShipID       string
	DeviceID     string
	MetaShipID   string
	MetaDeviceID string
	Hostname     string
}

// Resolution is the final ship identity plus its provenance.
type Resolution struct {
	ShipID   string
	DeviceID string
	Source   string
}

// Resolver applies the ship identity chain: explicit fields (metadata
// beats top-level when the top-level value is empty or unknown), then
// a registry lookup override, then the hostname fallback, then
// unknown-ship. Registry failures never block; the chain degrades.
type Resolver struct {
	registry RegistryClient
}

func NewResolver(rc RegistryClient) *Resolver {
	return &Resolver{registry: rc}
}

// Resolve runs the identity chain. It never returns an empty ShipID.
func (r *Resolver) Resolve(ctx context.Context, id Identity) Resolution {
	res := Resolution{}

	// Field candidates. Top-level wins when usable; metadata fills in
	// when the top-level value is empty or carries "unknown".
	switch {
	case usable(id.ShipID):
		res.ShipID, res.Source = id.ShipID, SourceOriginalField
	case usable(id.MetaShipID):
		res.ShipID, res.Source = id.MetaShipID, SourceMetadataField
	}
	switch {
	case usable(id.DeviceID):
		res.DeviceID = id.DeviceID
	case usable(id.MetaDeviceID):
		res.DeviceID = id.MetaDeviceID
	}

	// Registry overrides fields when it holds a mapping. Unreachable,
	// timed out, or unmapped all mean "no override" and the chain
	// continues with whatever the record carried.
	if id.Hostname != "" && r.registry != nil {
		mapping, err := r.registry.Lookup(ctx, id.Hostname)
		if err == nil && mapping.ShipID != "" {
			res.ShipID, res.Source = mapping.ShipID, SourceRegistry
			if mapping.DeviceID != "" {
				res.DeviceID = mapping.DeviceID
			}
			return res
		}
	}

	if res.ShipID != "" {
		if res.DeviceID == "" {
			res.DeviceID = id.Hostname
		}
		return res
	}

	if id.Hostname != "" {
		res.ShipID = shipFromHostname(id.Hostname)
		res.Source = SourceHostnameFallback
		if res.DeviceID == "" {
			res.DeviceID = id.Hostname
		}
		return res
	}

	res.ShipID = "unknown-ship"
	res.Source = SourceNoHostname
	return res
}

// shipFromHostname derives a ship id from a hostname: the first
// dash-separated token suffixed with -ship, or the whole hostname
// suffixed when it carries no dash.
func shipFromHostname(hostname string) string {
	first := hostname
	if i := strings.IndexByte(hostname, '-'); i > 0 {
		first = hostname[:i]
	}
	return first + "-ship"
}
