package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maristack/vigia-core/internal/registry"
)

// stubRegistry returns a canned mapping or error for every lookup.
type stubRegistry struct {
	mapping registry.Mapping
	err     error
	calls   int
}

func (s *stubRegistry) Lookup(_ context.Context, _ string) (registry.Mapping, error) {
	s.calls++
	return s.mapping, s.err
}

func TestResolve_OriginalFieldWins(t *testing.T) {
	r := NewResolver(&stubRegistry{err: registry.ErrNotFound})
	res := r.Resolve(context.Background(), Identity{
		ShipID:     "mv-aurora",
		MetaShipID: "ship-voyager",
		Hostname:   "bridge-01",
	})
	assert.Equal(t, "mv-aurora", res.ShipID)
	assert.Equal(t, SourceOriginalField, res.Source)
	// Device falls back to the hostname when nothing names one.
	assert.Equal(t, "bridge-01", res.DeviceID)
}

func TestResolve_MetadataBeatsUnknownTopLevel(t *testing.T) {
	r := NewResolver(&stubRegistry{err: registry.ErrNotFound})
	res := r.Resolve(context.Background(), Identity{
		ShipID:     "unknown",
		MetaShipID: "ship-voyager",
		Hostname:   "vsat-modem-01",
	})
	assert.Equal(t, "ship-voyager", res.ShipID)
	assert.Equal(t, SourceMetadataField, res.Source)
}

func TestResolve_RegistryOverridesFields(t *testing.T) {
	stub := &stubRegistry{mapping: registry.Mapping{ShipID: "mv-nordic", DeviceID: "bridge-01-nav"}}
	r := NewResolver(stub)
	res := r.Resolve(context.Background(), Identity{
		ShipID:   "stale-ship",
		DeviceID: "stale-device",
		Hostname: "bridge-01",
	})
	assert.Equal(t, "mv-nordic", res.ShipID)
	assert.Equal(t, "bridge-01-nav", res.DeviceID)
	assert.Equal(t, SourceRegistry, res.Source)
	assert.Equal(t, 1, stub.calls)
}

func TestResolve_RegistryOutageFallsBackToHostname(t *testing.T) {
	r := NewResolver(&stubRegistry{err: errors.New("lookup sat-gw-04: status 503")})
	res := r.Resolve(context.Background(), Identity{Hostname: "sat-gw-04"})
	assert.Equal(t, "sat-ship", res.ShipID)
	assert.Equal(t, SourceHostnameFallback, res.Source)
	assert.Equal(t, "sat-gw-04", res.DeviceID)
}

func TestResolve_HostnameDerivation(t *testing.T) {
	r := NewResolver(&stubRegistry{err: registry.ErrNotFound})

	tests := []struct {
		hostname string
		want     string
	}{
		{"bridge-01-antenna", "bridge-ship"},
		{"sat-gw-04", "sat-ship"},
		{"gateway", "gateway-ship"},
	}
	for _, tt := range tests {
		res := r.Resolve(context.Background(), Identity{Hostname: tt.hostname})
		assert.Equal(t, tt.want, res.ShipID, "hostname %q", tt.hostname)
		assert.Equal(t, SourceHostnameFallback, res.Source)
	}
}

func TestResolve_NothingToGoOn(t *testing.T) {
	r := NewResolver(nil)
	res := r.Resolve(context.Background(), Identity{})
	assert.Equal(t, "unknown-ship", res.ShipID)
	assert.Equal(t, SourceNoHostname, res.Source)
	assert.NotEmpty(t, res.ShipID, "resolver must never return an empty ship id")
}

func TestResolve_UnmappedHostKeepsFieldCandidate(t *testing.T) {
	r := NewResolver(&stubRegistry{err: registry.ErrNotFound})
	res := r.Resolve(context.Background(), Identity{
		ShipID:       "mv-aurora",
		MetaDeviceID: "vsat-modem",
		Hostname:     "vsat-01",
	})
	assert.Equal(t, "mv-aurora", res.ShipID)
	assert.Equal(t, SourceOriginalField, res.Source)
	assert.Equal(t, "vsat-modem", res.DeviceID)
}
