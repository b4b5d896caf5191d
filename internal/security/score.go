package security

import (
	"math"
	"strings"
)

// Level is the alert severity derived from a chunk's annotations.
type Level string

const (
	LevelNone     Level = "none"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Severity orders levels for threshold comparisons.
func (l Level) Severity() int {
	switch l {
	case LevelElevated:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	}
	return 0
}

// Likelihood values follow the annotation service's face attributes.
type Likelihood string

const (
	VeryUnlikely Likelihood = "VERY_UNLIKELY"
	Unlikely     Likelihood = "UNLIKELY"
	Possible     Likelihood = "POSSIBLE"
	Likely       Likelihood = "LIKELY"
	VeryLikely   Likelihood = "VERY_LIKELY"
)

type Label struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

type FaceSignals struct {
	Joy    Likelihood `json:"joy"`
	Anger  Likelihood `json:"anger"`
	Fear   Likelihood `json:"fear"`
	Sorrow Likelihood `json:"sorrow"`
}

// Observation is the per-chunk annotation summary fed into scoring.
type Observation struct {
	PersonCount int
	Labels      []Label
	Faces       []FaceSignals
}

// Baseline is the running profile of a session, used to detect
// deviation from what the camera has seen so far.
type Baseline struct {
	Chunks      int
	MeanPersons float64
	SeenLabels  map[string]struct{}
}

func NewBaseline() *Baseline {
	return &Baseline{SeenLabels: make(map[string]struct{})}
}

// Update folds an observation into the baseline after it was scored.
func (b *Baseline) Update(obs Observation) {
	b.Chunks++
	b.MeanPersons += (float64(obs.PersonCount) - b.MeanPersons) / float64(b.Chunks)
	for _, l := range obs.Labels {
		b.SeenLabels[normalize(l.Description)] = struct{}{}
	}
}

// Assessment is the combined weighted-sum verdict for one chunk.
type Assessment struct {
	CrowdRisk    float64
	ThreatScore  float64
	AnomalyScore float64
	Sentiment    float64
	Level        Level
}

// threatWeights maps label classes the annotation service emits to a
// severity weight. Matching is substring-based because the service
// returns phrases like "assault rifle" or "structure fire".
var threatWeights = map[string]float64{
	"gun":       1.0,
	"firearm":   1.0,
	"rifle":     1.0,
	"pistol":    1.0,
	"weapon":    1.0,
	"knife":     0.9,
	"explosion": 1.0,
	"fire":      0.8,
	"smoke":     0.5,
	"fight":     0.7,
	"violence":  0.7,
	"blood":     0.6,
}

// CrowdRisk scores occupancy against venue capacity plus short-term
// growth against the previous chunk's count. Result is clamped to 0..1.
func CrowdRisk(personCount, capacity, prevCount int) float64 {
	if personCount <= 0 {
		return 0
	}
	occupancy := 1.0
	if capacity > 0 {
		occupancy = clamp01(float64(personCount) / float64(capacity))
	}
	growth := 0.0
	if personCount > prevCount {
		growth = clamp01(float64(personCount-prevCount) / float64(max(prevCount, 1)))
	}
	return clamp01(0.7*occupancy + 0.3*growth)
}

// ThreatScore sums weighted label hits scaled by detection confidence.
func ThreatScore(labels []Label) float64 {
	score := 0.0
	for _, l := range labels {
		desc := normalize(l.Description)
		weight := 0.0
		for class, w := range threatWeights {
			if strings.Contains(desc, class) && w > weight {
				weight = w
			}
		}
		score += weight * clamp01(l.Confidence)
	}
	return clamp01(score)
}

// AnomalyScore measures deviation from the session baseline: how far
// the person count strays from the running mean, and what fraction of
// labels the session has never produced before. A fresh baseline scores
// zero since there is nothing to deviate from.
func AnomalyScore(obs Observation, baseline *Baseline) float64 {
	if baseline == nil || baseline.Chunks == 0 {
		return 0
	}
	countDev := clamp01(math.Abs(float64(obs.PersonCount)-baseline.MeanPersons) / (baseline.MeanPersons + 1))

	novel := 0
	for _, l := range obs.Labels {
		if _, seen := baseline.SeenLabels[normalize(l.Description)]; !seen {
			novel++
		}
	}
	novelRatio := 0.0
	if len(obs.Labels) > 0 {
		novelRatio = float64(novel) / float64(len(obs.Labels))
	}
	return clamp01(0.5*countDev + 0.5*novelRatio)
}

var likelihoodValue = map[Likelihood]float64{
	VeryUnlikely: 0.0,
	Unlikely:     0.25,
	Possible:     0.5,
	Likely:       0.75,
	VeryLikely:   1.0,
}

// Sentiment aggregates face likelihoods into a valence in -1..1, where
// negative means fear or anger dominates the frame.
func Sentiment(faces []FaceSignals) float64 {
	if len(faces) == 0 {
		return 0
	}
	total := 0.0
	for _, f := range faces {
		joy := likelihoodValue[f.Joy]
		neg := likelihoodValue[f.Anger] + likelihoodValue[f.Fear] + 0.5*likelihoodValue[f.Sorrow]
		total += joy - neg
	}
	v := total / float64(len(faces))
	if v > 1 {
		v = 1
	}
	if v < -1 {
		v = -1
	}
	return v
}

// Assess combines the individual scores into a severity level.
// Thresholds: composite >= 0.8 critical, >= 0.6 high, >= 0.35 elevated.
// A strongly negative crowd sentiment bumps the composite by 0.1.
func Assess(obs Observation, capacity, prevCount int, baseline *Baseline) Assessment {
	a := Assessment{
		CrowdRisk:    CrowdRisk(obs.PersonCount, capacity, prevCount),
		ThreatScore:  ThreatScore(obs.Labels),
		AnomalyScore: AnomalyScore(obs, baseline),
		Sentiment:    Sentiment(obs.Faces),
	}

	composite := 0.45*a.ThreatScore + 0.3*a.CrowdRisk + 0.25*a.AnomalyScore
	if a.Sentiment < -0.3 {
		composite += 0.1
	}
	composite = clamp01(composite)

	switch {
	case composite >= 0.8:
		a.Level = LevelCritical
	case composite >= 0.6:
		a.Level = LevelHigh
	case composite >= 0.35:
		a.Level = LevelElevated
	default:
		a.Level = LevelNone
	}
	return a
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
