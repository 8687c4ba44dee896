package agentcontract

import "fmt"

// defaultLatencyLimits is the per-role latency ceiling (seconds) the
// monitor's latency recommendation compares against. These defaults are
// generous enough not to false-positive on a healthy agent; the quality
// dimension is overridable via config.Kernel.QualityThresholds, latency
// stays a package default.
var defaultLatencyLimits = map[string]float64{
	"research":       30,
	"scientific":     45,
	"medical":        60,
	"legal":          45,
	"financial":      30,
	"specifications": 30,
	"tester":         20,
	"integrator":     30,
	"optimizer":      30,
	"devops":         20,
	"default":        30,
}

// QualityMonitor evaluates per-agent Snapshots against role thresholds and
// produces human-readable recommendations.
type QualityMonitor struct {
	thresholds map[string]float64 // role -> quality threshold
	latencyMax map[string]float64 // role -> latency limit, seconds
}

func NewQualityMonitor(thresholds map[string]float64) *QualityMonitor {
	if thresholds == nil {
		thresholds = map[string]float64{"default": 0.80}
	}
	return &QualityMonitor{thresholds: thresholds, latencyMax: defaultLatencyLimits}
}

func (q *QualityMonitor) thresholdFor(role string) float64 {
	if t, ok := q.thresholds[role]; ok {
		return t
	}
	return q.thresholds["default"]
}

func (q *QualityMonitor) latencyLimitFor(role string) float64 {
	if t, ok := q.latencyMax[role]; ok {
		return t
	}
	return q.latencyMax["default"]
}

// Report is the monitor's per-agent output.
type Report struct {
	Role            string
	SuccessRate     float64
	AverageLatency  float64 // seconds
	AverageQuality  float64
	Threshold       float64
	Recommendations []string
}

// Evaluate builds a Report from a metrics snapshot, generating
// recommendations: success rate below 0.9, latency over the
// role's limit, a quality gap over 0.1 below threshold, high average token
// usage (>2000/task), and a declining quality trend.
func (q *QualityMonitor) Evaluate(role string, s Snapshot) Report {
	threshold := q.thresholdFor(role)
	r := Report{
		Role:           role,
		SuccessRate:    s.SuccessRate(),
		AverageLatency: s.AverageLatency().Seconds(),
		AverageQuality: s.AverageQuality(),
		Threshold:      threshold,
	}

	if r.SuccessRate < 0.9 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("success rate %.2f is below 0.90", r.SuccessRate))
	}
	if limit := q.latencyLimitFor(role); r.AverageLatency > limit {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("average latency %.1fs exceeds the %.0fs limit for role %q", r.AverageLatency, limit, role))
	}
	if gap := threshold - r.AverageQuality; gap > 0.1 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("average quality %.2f is %.2f below the %.2f threshold for role %q", r.AverageQuality, gap, threshold, role))
	}
	if avgTokens := s.AverageTokensPerTask(); avgTokens > 2000 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("average token usage %.0f/task exceeds 2000", avgTokens))
	}
	if trend := decliningTrend(s.QualityScores); trend {
		r.Recommendations = append(r.Recommendations, "quality trend over the last measurements is declining")
	}

	return r
}

// decliningTrend fits a simple least-squares slope over the last (up to 10)
// quality scores and reports whether it is meaningfully negative.
func decliningTrend(scores []float64) bool {
	n := len(scores)
	if n < 3 {
		return false
	}
	if n > 10 {
		scores = scores[n-10:]
		n = 10
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range scores {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return false
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	return slope < -0.02
}
