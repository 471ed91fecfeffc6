package recognize

import (
	"sort"
	"strings"

	"github.com/akovalyov/chartscan/internal/normalize"
)

// axisVocabulary lists words that belong to chart furniture (axes, legends,
// level captions). Tokens matching these are never score candidates, and a
// row made only of them carries no metric.
var axisVocabulary = map[string]struct{}{
	"шкала": {}, "уровень": {}, "балл": {}, "баллы": {},
	"низкая": {}, "средняя": {}, "высокая": {},
	"низкий": {}, "средний": {}, "высокий": {},
	"scale": {}, "level": {}, "score": {},
	"low": {}, "medium": {}, "high": {},
}

// ScoreCandidates filters tokens down to plausible 1-10 scale values:
// numeric pattern with at most one decimal place (comma or dot), no signs,
// no percent marks, no axis vocabulary.
func ScoreCandidates(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		text := strings.TrimSpace(t.Text)
		if text == "" || strings.ContainsAny(text, "+-%") {
			continue
		}
		if _, axis := axisVocabulary[strings.ToLower(text)]; axis {
			continue
		}
		if !normalize.IsScoreToken(text) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// BestScore returns the highest-confidence score candidate, if any. Used
// per ROI: when several numeric tokens land in one row, only the most
// confident one survives.
func BestScore(tokens []Token) (Token, bool) {
	candidates := ScoreCandidates(tokens)
	if len(candidates) == 0 {
		return Token{}, false
	}
	best := candidates[0]
	for _, t := range candidates[1:] {
		if t.Confidence > best.Confidence {
			best = t
		}
	}
	return best, true
}

// Row is one horizontal band of tokens: the textual label on the left and
// the numeric score cell, as recognized from a table image.
type Row struct {
	Label string
	Score Token
}

// GroupRows clusters tokens into horizontal rows by vertical overlap of
// their boxes, then splits each row into label text and its best score
// token. Rows without a score candidate are dropped; the quality gate
// accounts for them via expected-code coverage.
func GroupRows(tokens []Token) []Row {
	if len(tokens) == 0 {
		return nil
	}
	sorted := make([]Token, len(tokens))
	copy(sorted, tokens)
	sort.Slice(sorted, func(i, j int) bool {
		return center(sorted[i]) < center(sorted[j])
	})

	tolerance := medianHeight(sorted) / 2
	if tolerance < 2 {
		tolerance = 2
	}

	var clusters [][]Token
	for _, t := range sorted {
		if n := len(clusters); n > 0 {
			last := clusters[n-1]
			if center(t)-center(last[len(last)-1]) <= tolerance {
				clusters[n-1] = append(last, t)
				continue
			}
		}
		clusters = append(clusters, []Token{t})
	}

	var rows []Row
	for _, cluster := range clusters {
		sort.Slice(cluster, func(i, j int) bool {
			return cluster[i].Box.Min.X < cluster[j].Box.Min.X
		})
		score, ok := BestScore(cluster)
		if !ok {
			continue
		}
		var labelParts []string
		for _, t := range cluster {
			if t.Text == score.Text && t.Box == score.Box {
				continue
			}
			if normalize.IsScoreToken(t.Text) {
				continue
			}
			labelParts = append(labelParts, t.Text)
		}
		rows = append(rows, Row{
			Label: strings.Join(labelParts, " "),
			Score: score,
		})
	}
	return rows
}

func center(t Token) int {
	return (t.Box.Min.Y + t.Box.Max.Y) / 2
}

func medianHeight(tokens []Token) int {
	heights := make([]int, len(tokens))
	for i, t := range tokens {
		heights[i] = t.Box.Dy()
	}
	sort.Ints(heights)
	return heights[len(heights)/2]
}
