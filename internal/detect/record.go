// Package detect turns raw log and metric records into scored
// anomalies: level lifting and filtering for logs, pluggable baseline
// detectors for metrics, and ship identity resolution for both.
package detect

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/maristack/vigia-core/internal/models"
)

// RawRecord is the free-form ingest payload from logs.raw and
// metrics.raw. Only the fields the detector reads are typed; metadata
// stays an opaque map queried through safe accessors.
type RawRecord struct {
	SchemaVersion string         `json:"schema_version,omitempty"`
	TrackingID    string         `json:"tracking_id,omitempty"`
	Timestamp     *time.Time     `json:"ts,omitempty"`
	Hostname      string         `json:"hostname,omitempty"`
	ShipID        string         `json:"ship_id,omitempty"`
	DeviceID      string         `json:"device_id,omitempty"`
	Service       string         `json:"service,omitempty"`
	Domain        string         `json:"domain,omitempty"`
	Level         string         `json:"level,omitempty"`
	Message       string         `json:"message,omitempty"`
	MetricName    string         `json:"metric_name,omitempty"`
	Value         *float64       `json:"value,omitempty"`
	MetricValue   *float64       `json:"metric_value,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// usable reports whether an identity field carries a real value:
// present, non-empty, and not containing "unknown".
func usable(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	return !strings.Contains(strings.ToLower(v), "unknown")
}

// metaString reads a usable string out of the metadata blob.
func (r *RawRecord) metaString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	v, ok := r.Metadata[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok || !usable(s) {
		return ""
	}
	return s
}

// SampleValue returns the metric sample, accepting either of the two
// field spellings shippers use.
func (r *RawRecord) SampleValue() (float64, bool) {
	if r.Value != nil {
		return *r.Value, true
	}
	if r.MetricValue != nil {
		return *r.MetricValue, true
	}
	return 0, false
}

// EffectiveService prefers the typed field over metadata.
func (r *RawRecord) EffectiveService() string {
	if usable(r.Service) {
		return r.Service
	}
	return r.metaString("service")
}

// SourceHost is the host the record came from, used for identity
// fallback and later re-resolution.
func (r *RawRecord) SourceHost() string {
	if r.Hostname != "" {
		return r.Hostname
	}
	return r.metaString("source_host")
}

// domainKeywords classifies records into domains when the shipper did
// not tag one. First match wins; order is roughly specificity.
var domainKeywords = []struct {
	needle string
	domain models.Domain
}{
	{"vsat", models.DomainSatellite},
	{"satcom", models.DomainSatellite},
	{"satellite", models.DomainSatellite},
	{"gps", models.DomainSatellite},
	{"radio", models.DomainComms},
	{"gmdss", models.DomainComms},
	{"telephony", models.DomainComms},
	{"pabx", models.DomainComms},
	{"comms", models.DomainComms},
	{"firewall", models.DomainSecurity},
	{"auth", models.DomainSecurity},
	{"vpn", models.DomainSecurity},
	{"ids", models.DomainSecurity},
	{"router", models.DomainNet},
	{"switch", models.DomainNet},
	{"network", models.DomainNet},
	{"dhcp", models.DomainNet},
	{"dns", models.DomainNet},
	{"wifi", models.DomainNet},
	{"packet", models.DomainNet},
	{"erp", models.DomainApp},
	{"pms", models.DomainApp},
	{"crew-portal", models.DomainApp},
	{"app", models.DomainApp},
}

// DomainOf returns the record's domain: the explicit field when set,
// else a keyword classification over service, metric name and message,
// else system.
func (r *RawRecord) DomainOf() models.Domain {
	if r.Domain != "" {
		return models.Domain(strings.ToLower(strings.TrimSpace(r.Domain)))
	}
	haystack := strings.ToLower(r.EffectiveService() + " " + r.MetricName + " " + r.Message)
	for _, kw := range domainKeywords {
		if strings.Contains(haystack, kw.needle) {
			return kw.domain
		}
	}
	return models.DomainSystem
}

// OrderingKey extracts the per-ship ordering key from a raw payload
// before full decoding. Records that do not parse share one key; they
// are dropped by the handler anyway.
func OrderingKey(data []byte) string {
	var peek struct {
		ShipID   string `json:"ship_id"`
		Hostname string `json:"hostname"`
		Metadata struct {
			ShipID string `json:"ship_id"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return "unparsed"
	}
	switch {
	case usable(peek.ShipID):
		return peek.ShipID
	case usable(peek.Metadata.ShipID):
		return peek.Metadata.ShipID
	case peek.Hostname != "":
		return peek.Hostname
	default:
		return "unknown"
	}
}
