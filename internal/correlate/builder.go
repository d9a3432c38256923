package correlate

import (
	"fmt"
	"time"

	"github.com/maristack/vigia-core/internal/models"
)

// BuildIncident folds a fired batch into one incident. Evidence keeps
// insertion order; severity is the maximum over the batch with the
// earlier arrival winning ties; the incident inherits the first
// contributing anomaly's tracking id.
func BuildIncident(batch []models.AnomalyEnriched, firedAt time.Time) models.IncidentCreated {
	first := batch[0]

	severity := first.Severity
	evidence := make([]models.Evidence, 0, len(batch))
	trackingIDs := make([]string, 0, len(batch))
	var detectors []string
	seenDetectors := map[string]bool{}

	for i := range batch {
		a := &batch[i]
		severity = models.MaxSeverity(severity, a.Severity)
		evidence = append(evidence, models.Evidence{
			TrackingID: a.TrackingID,
			Timestamp:  a.Timestamp,
			Detector:   a.Detector,
			Score:      a.Score,
			Msg:        a.Msg,
		})
		trackingIDs = append(trackingIDs, a.TrackingID)
		if !seenDetectors[a.Detector] {
			seenDetectors[a.Detector] = true
			detectors = append(detectors, a.Detector)
		}
	}

	envelope := models.NewEnvelope(first.TrackingID)
	envelope.Timestamp = firedAt.UTC().Truncate(time.Microsecond)

	return models.IncidentCreated{
		Envelope:     envelope,
		IncidentID:   models.NewIncidentID(first.ShipID, first.Domain, firedAt),
		IncidentType: first.Domain,
		ShipID:       first.ShipID,
		Severity:     severity,
		Summary: fmt.Sprintf("%d %s anomalies on %s, worst severity %s",
			len(batch), first.Domain, first.ShipID, severity),
		Status:   models.IncidentOpen,
		Evidence: evidence,
		Meta: models.IncidentMeta{
			TrackingIDs:  trackingIDs,
			Detectors:    detectors,
			WindowSize:   len(batch),
			Service:      first.Service,
			MetricName:   first.MetricName,
			SourceHost:   first.Meta["source_host"],
			ShipIDSource: first.Meta["ship_id_source"],
		},
	}
}
