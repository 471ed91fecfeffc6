package constants

// ImageKind classifies an embedded document image for routing purposes.
type ImageKind string

const (
	ImageKindTable ImageKind = "TABLE" // grid of label/score cells
	ImageKindChart ImageKind = "CHART" // horizontal bar chart, one row per metric
	ImageKindOther ImageKind = "OTHER" // not score-bearing; skipped by extraction
)

// ScoreBearing reports whether images of this kind are expected to
// contain competency scores.
func (k ImageKind) ScoreBearing() bool {
	return k == ImageKindTable || k == ImageKindChart
}

// RotationStrategy selects how the credential pool picks the next key.
type RotationStrategy string

const (
	RotationRoundRobin RotationStrategy = "ROUND_ROBIN"
	RotationLeastBusy  RotationStrategy = "LEAST_BUSY"
)

// Score bounds for every extracted competency value.
const (
	ScoreMin = 1.0
	ScoreMax = 10.0
)
