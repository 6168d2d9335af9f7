package pipeline

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// ParitySignature is the comparable summary of one expiry's outcome
// under two implementations, used by shadow-mode parity checks.
type ParitySignature struct {
	OptionCount     int
	StrikeCoverage  float64
	AlertSet        map[string]bool
	PartialReasons  map[string]int
	StrikeLadder    []float64 // sorted strikes actually covered, for TVD distance
}

// SignatureOf exposes signatureOf for callers outside the package that
// need to compare states across cycles, such as the orchestrator's
// checkpoint-based drift check.
func SignatureOf(s *State) ParitySignature {
	return signatureOf(s)
}

func signatureOf(s *State) ParitySignature {
	alerts := make(map[string]bool)
	reasons := make(map[string]int)
	for _, e := range s.Errors {
		alerts[e] = true
		reasons["enrich_error"]++
	}
	ladder := make([]float64, 0, len(s.Rows))
	for _, r := range s.Rows {
		ladder = append(ladder, r.Strike)
	}
	return ParitySignature{
		OptionCount:    len(s.Rows),
		StrikeCoverage: s.StrikeCoverage,
		AlertSet:       alerts,
		PartialReasons: reasons,
		StrikeLadder:   ladder,
	}
}

// ParityScore compares a legacy-path and pipeline-path signature for
// the same expiry and returns a score in [0,1], 1 meaning identical.
// Components: option-count closeness, strike-coverage closeness, alert
// set Jaccard similarity, and (extended) strike ladder shape distance
// via total variation distance on the two count histograms.
func ParityScore(legacy, candidate ParitySignature, extended bool) float64 {
	countScore := closeness(float64(legacy.OptionCount), float64(candidate.OptionCount))
	coverageScore := closeness(legacy.StrikeCoverage, candidate.StrikeCoverage)
	alertScore := jaccard(legacy.AlertSet, candidate.AlertSet)

	if !extended {
		return (countScore + coverageScore + alertScore) / 3
	}

	shapeScore := 1 - totalVariationDistance(legacy.StrikeLadder, candidate.StrikeLadder)
	return (countScore + coverageScore + alertScore + shapeScore) / 4
}

func closeness(a, b float64) float64 {
	if a == 0 && b == 0 {
		return 1
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 1
	}
	return 1 - math.Min(1, math.Abs(a-b)/denom)
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter, union := 0, 0
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	for k := range seen {
		union++
		if a[k] && b[k] {
			inter++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// totalVariationDistance buckets both strike ladders into a shared
// histogram and returns the TVD between the two distributions, using
// gonum/stat's variance helper to size buckets adaptively from the
// combined sample spread.
func totalVariationDistance(a, b []float64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	combined := append(append([]float64{}, a...), b...)
	if len(combined) < 2 {
		return 0
	}
	_, variance := stat.MeanVariance(combined, nil)
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		stddev = 1
	}
	bucketWidth := stddev / 4
	if bucketWidth == 0 {
		bucketWidth = 1
	}

	histA := histogram(a, bucketWidth)
	histB := histogram(b, bucketWidth)

	keys := make(map[int]bool)
	for k := range histA {
		keys[k] = true
	}
	for k := range histB {
		keys[k] = true
	}

	total := 0.0
	for k := range keys {
		pa := histA[k] / float64(maxInt(len(a), 1))
		pb := histB[k] / float64(maxInt(len(b), 1))
		total += math.Abs(pa - pb)
	}
	return total / 2
}

func histogram(vals []float64, bucketWidth float64) map[int]float64 {
	h := make(map[int]float64)
	for _, v := range vals {
		h[int(math.Floor(v/bucketWidth))]++
	}
	return h
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RollingParity maintains the rolling-average parity score feeding
// g6_pipeline_parity_rolling_avg, with a fixed window, mirroring the
// same smoothing style as the PCR trend SMA.
type RollingParity struct {
	window []float64
	size   int
}

func NewRollingParity(size int) *RollingParity {
	if size <= 0 {
		size = 20
	}
	return &RollingParity{size: size}
}

func (r *RollingParity) Add(score float64) float64 {
	r.window = append(r.window, score)
	if len(r.window) > r.size {
		r.window = r.window[len(r.window)-r.size:]
	}
	sum := 0.0
	for _, v := range r.window {
		sum += v
	}
	return sum / float64(len(r.window))
}
