package extraction

import (
	"log/slog"
)

// Gate decides whether local recognition output is trustworthy enough to
// persist without the remote fallback. Both conditions must hold: the mean
// confidence across candidates reaches the threshold AND every expected
// metric code was recognized. A single weak or missing metric sends the
// whole report to the fallback.
type Gate struct {
	MinMeanConfidence float32
	ExpectedMinCodes  int // 0 = len(expectedCodes)
	Log               *slog.Logger
}

func (g Gate) Evaluate(candidates []Candidate, expectedCodes []string) Decision {
	want := g.ExpectedMinCodes
	if want <= 0 {
		want = len(expectedCodes)
	}
	d := Decision{ExpectedCodes: want}

	if len(candidates) == 0 {
		return d
	}

	var sum float32
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		sum += c.Confidence
		seen[c.Code] = struct{}{}
	}
	d.MeanConfidence = sum / float32(len(candidates))
	d.MappedCodes = len(seen)
	d.UseLocal = d.MeanConfidence >= g.MinMeanConfidence && d.MappedCodes >= want

	if g.Log != nil {
		g.Log.Info("extract.gate",
			"use_local", d.UseLocal,
			"mean_confidence", d.MeanConfidence,
			"mapped_codes", d.MappedCodes,
			"expected_codes", want,
		)
	}
	return d
}
