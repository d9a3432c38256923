package models

// Domain is the high-level system area an event belongs to. It selects
// the correlation window duration and becomes the incident_type.
type Domain string

const (
	DomainComms     Domain = "comms"
	DomainNet       Domain = "net"
	DomainSystem    Domain = "system"
	DomainApp       Domain = "app"
	DomainSecurity  Domain = "security"
	DomainSatellite Domain = "satellite"
)

var knownDomains = map[Domain]bool{
	DomainComms:     true,
	DomainNet:       true,
	DomainSystem:    true,
	DomainApp:       true,
	DomainSecurity:  true,
	DomainSatellite: true,
}

// Known reports whether d is one of the defined domains. Unknown
// domains are carried through unchanged and windowed under the default
// duration, never rejected.
func (d Domain) Known() bool {
	return knownDomains[d]
}
