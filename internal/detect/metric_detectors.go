package detect

import (
	"math"
	"strings"
	"sync"

	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
)

// MetricDetector scores one metric stream. Fit seeds the baseline from
// a window of historical samples; Score folds each new sample into the
// baseline and rates it. Scores below 0.5 mean "normal" and emit no
// anomaly; 0.5 and up map onto the severity score table.
type MetricDetector interface {
	Fit(window []float64)
	Score(sample float64) (score float64, severity models.Severity)
}

const minWarmupSamples = 8

// scoreBands converts a normalized deviation (z-score or baseline
// ratio) into the fixed severity score table. Below the low band the
// sample is normal and the score scales proportionally under 0.5.
func scoreBands(deviation, low, medium, high, critical float64) (float64, models.Severity) {
	switch {
	case deviation >= critical:
		return models.SeverityCritical.Score(), models.SeverityCritical
	case deviation >= high:
		return models.SeverityHigh.Score(), models.SeverityHigh
	case deviation >= medium:
		return models.SeverityMedium.Score(), models.SeverityMedium
	case deviation >= low:
		return models.SeverityLow.Score(), models.SeverityLow
	default:
		score := 0.5 * deviation / low
		if score < 0 {
			score = 0
		}
		return score, models.SeverityLow
	}
}

// rollingZScore keeps a bounded window of recent samples and rates
// each new sample by its z-score against the window.
type rollingZScore struct {
	window   []float64
	capacity int
}

func newRollingZScore() *rollingZScore {
	return &rollingZScore{capacity: 64}
}

func (d *rollingZScore) Fit(window []float64) {
	d.window = d.window[:0]
	for _, v := range window {
		d.observe(v)
	}
}

func (d *rollingZScore) observe(v float64) {
	if len(d.window) >= d.capacity {
		d.window = d.window[1:]
	}
	d.window = append(d.window, v)
}

func (d *rollingZScore) Score(sample float64) (float64, models.Severity) {
	defer d.observe(sample)

	if len(d.window) < minWarmupSamples {
		return 0, models.SeverityLow
	}

	var sum float64
	for _, v := range d.window {
		sum += v
	}
	mean := sum / float64(len(d.window))
	var variance float64
	for _, v := range d.window {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(d.window)))

	const eps = 1e-9
	if std < eps {
		if math.Abs(sample-mean) < eps {
			return 0, models.SeverityLow
		}
		// Flat baseline, sudden jump: no spread to normalize against.
		return models.SeverityHigh.Score(), models.SeverityHigh
	}

	z := math.Abs(sample-mean) / std
	return scoreBands(z, 2.0, 2.5, 3.5, 4.5)
}

// ewmaThreshold tracks an exponentially weighted mean and deviation
// and rates samples by how many deviation-multiples they sit from the
// mean.
type ewmaThreshold struct {
	alpha      float64
	multiplier float64
	mean       float64
	dev        float64
	n          int
}

func newEWMAThreshold() *ewmaThreshold {
	return &ewmaThreshold{alpha: 0.2, multiplier: 3.0}
}

func (d *ewmaThreshold) Fit(window []float64) {
	d.mean, d.dev, d.n = 0, 0, 0
	for _, v := range window {
		d.update(v)
	}
}

func (d *ewmaThreshold) update(v float64) {
	if d.n == 0 {
		d.mean = v
	} else {
		diff := math.Abs(v - d.mean)
		d.dev = d.alpha*diff + (1-d.alpha)*d.dev
		d.mean = d.alpha*v + (1-d.alpha)*d.mean
	}
	d.n++
}

func (d *ewmaThreshold) Score(sample float64) (float64, models.Severity) {
	defer d.update(sample)

	if d.n < minWarmupSamples {
		return 0, models.SeverityLow
	}

	const eps = 1e-9
	band := d.dev * d.multiplier
	if band < eps {
		if math.Abs(sample-d.mean) < eps {
			return 0, models.SeverityLow
		}
		return models.SeverityHigh.Score(), models.SeverityHigh
	}

	ratio := math.Abs(sample-d.mean) / band
	return scoreBands(ratio, 1.0, 1.25, 1.75, 2.5)
}

// staticThreshold rates samples against fixed warn/critical bounds.
// Used for metrics with well-known operating ceilings (utilization
// percentages, error rates) where a learned baseline adds nothing.
type staticThreshold struct {
	warn float64
	crit float64
}

// staticBounds carries known ceilings per metric name; metrics not
// listed use the utilization default.
var staticBounds = map[string]staticThreshold{
	"cpu_percent":     {warn: 85, crit: 97},
	"memory_percent":  {warn: 85, crit: 97},
	"disk_percent":    {warn: 80, crit: 95},
	"packet_loss_pct": {warn: 5, crit: 15},
	"error_rate":      {warn: 0.05, crit: 0.20},
	"temperature_c":   {warn: 70, crit: 85},
}

func newStaticThreshold(metricName string) *staticThreshold {
	if b, ok := staticBounds[metricName]; ok {
		return &staticThreshold{warn: b.warn, crit: b.crit}
	}
	return &staticThreshold{warn: 90, crit: 99}
}

// Fit is a no-op: static bounds do not learn.
func (d *staticThreshold) Fit([]float64) {}

func (d *staticThreshold) Score(sample float64) (float64, models.Severity) {
	switch {
	case sample >= d.crit:
		return models.SeverityCritical.Score(), models.SeverityCritical
	case sample >= d.warn:
		return models.SeverityHigh.Score(), models.SeverityHigh
	default:
		score := 0.5 * sample / d.warn
		if score < 0 {
			score = 0
		}
		return score, models.SeverityLow
	}
}

// detectorRegistry owns the per-(ship, metric) detector instances.
// Baselines are learned per ship: the same metric behaves differently
// on different vessels.
type detectorRegistry struct {
	mu        sync.Mutex
	detectors map[string]MetricDetector
	variants  map[string]string // metric name -> variant
	fallback  string
}

func newDetectorRegistry(cfg config.DetectorConfig) *detectorRegistry {
	fallback := cfg.DefaultVariant
	if fallback == "" {
		fallback = "ewma"
	}
	return &detectorRegistry{
		detectors: make(map[string]MetricDetector),
		variants:  cfg.MetricDetectors,
		fallback:  fallback,
	}
}

func (r *detectorRegistry) variantFor(metricName string) string {
	if v, ok := r.variants[metricName]; ok && v != "" {
		return strings.ToLower(v)
	}
	return r.fallback
}

func (r *detectorRegistry) build(variant, metricName string) MetricDetector {
	switch variant {
	case "zscore":
		return newRollingZScore()
	case "static":
		return newStaticThreshold(metricName)
	default:
		return newEWMAThreshold()
	}
}

// Score routes one sample to the detector owning (shipID, metricName),
// creating it on first sight. The detector name used for provenance is
// the variant id.
func (r *detectorRegistry) Score(shipID, metricName string, sample float64) (float64, models.Severity, string) {
	variant := r.variantFor(metricName)
	key := shipID + "|" + metricName

	r.mu.Lock()
	det, ok := r.detectors[key]
	if !ok {
		det = r.build(variant, metricName)
		r.detectors[key] = det
	}
	score, severity := det.Score(sample)
	r.mu.Unlock()

	return score, severity, variant
}

// Len reports tracked (ship, metric) streams, for /stats.
func (r *detectorRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.detectors)
}
