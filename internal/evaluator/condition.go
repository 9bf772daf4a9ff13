package evaluator

import (
	"math"

	"fleetalert/internal/models"
	"fleetalert/internal/telemetry"
)

// Aggregate reduces samples with agg. ok is false when there is nothing to
// reduce; count is defined on an empty window and returns 0.
func Aggregate(agg models.Aggregation, samples []telemetry.Sample) (value float64, ok bool) {
	if agg == models.AggCount {
		return float64(len(samples)), true
	}
	if len(samples) == 0 {
		return 0, false
	}

	switch agg {
	case models.AggSum, models.AggAvg:
		sum := 0.0
		for _, s := range samples {
			sum += s.Value
		}
		if agg == models.AggAvg {
			return sum / float64(len(samples)), true
		}
		return sum, true
	case models.AggMin:
		min := samples[0].Value
		for _, s := range samples[1:] {
			min = math.Min(min, s.Value)
		}
		return min, true
	case models.AggMax:
		max := samples[0].Value
		for _, s := range samples[1:] {
			max = math.Max(max, s.Value)
		}
		return max, true
	}
	return 0, false
}

// Detector decides whether the newest sample deviates from the ones before
// it. magnitude describes how far, in detector specific units.
type Detector interface {
	Evaluate(samples []telemetry.Sample) (anomalous bool, magnitude float64)
}

// DetectorFactory builds the detector for an ANOMALY rule.
type DetectorFactory func(rule *models.AlertRule, params models.AnomalyParams) Detector

// ZScore flags the latest sample when its z-score against the preceding
// samples crosses Sigma. Operator picks the direction: > and >= look for
// upward deviations, < and <= for downward ones.
type ZScore struct {
	Sigma      float64
	MinSamples int
	Operator   models.Operator
}

func NewZScore(rule *models.AlertRule, params models.AnomalyParams) Detector {
	return &ZScore{Sigma: params.Sigma, MinSamples: params.MinSamples, Operator: rule.Operator}
}

func (z *ZScore) Evaluate(samples []telemetry.Sample) (bool, float64) {
	if len(samples) < 2 {
		return false, 0
	}
	baseline := samples[:len(samples)-1]
	if len(baseline) < z.MinSamples {
		return false, 0
	}
	latest := samples[len(samples)-1].Value

	mean := 0.0
	for _, s := range baseline {
		mean += s.Value
	}
	mean /= float64(len(baseline))

	variance := 0.0
	for _, s := range baseline {
		d := s.Value - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(baseline)))
	if std == 0 {
		// flat baseline has no spread to measure against
		return false, 0
	}

	score := (latest - mean) / std
	bound := z.Sigma
	if z.Operator == models.OpLess || z.Operator == models.OpLessEqual {
		bound = -bound
	}
	return z.Operator.Compare(score, bound), math.Abs(score)
}
