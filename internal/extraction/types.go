package extraction

import (
	"github.com/akovalyov/chartscan/constants"
)

// Candidate is one locally recognized metric value before quality gating.
// Confidence is the recognizer's word confidence for the score token.
type Candidate struct {
	Code       string
	Value      float64
	Confidence float32
}

// Resolved is a metric value the orchestrator decided to persist, together
// with its provenance.
type Resolved struct {
	Code       string
	Value      float64
	Source     constants.MetricSource
	Confidence float32
	FlagReason string // non-empty when the value needs manual review
}

// Decision is the quality gate's verdict on a report's local candidates.
type Decision struct {
	UseLocal       bool
	MeanConfidence float32
	MappedCodes    int
	ExpectedCodes  int
}
