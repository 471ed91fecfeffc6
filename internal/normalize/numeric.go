package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/akovalyov/chartscan/constants"
)

// scorePattern accepts a 1-10 scale value with at most one decimal place,
// with either a dot or a locale comma as the separator. Signs, percent
// marks and free text are rejected outright.
var scorePattern = regexp.MustCompile(`^(10([.,]0)?|[1-9]([.,][0-9])?)$`)

// ParseScore coerces a recognized token into a canonical decimal score.
// The range check is deliberately repeated here even though the recognizer
// filters its tokens first; values outside [1.0, 10.0] never reach storage.
func ParseScore(token string) (float64, error) {
	s := strings.TrimSpace(token)
	if !scorePattern.MatchString(s) {
		return 0, fmt.Errorf("not a score token: %q", token)
	}
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", token, err)
	}
	if v < constants.ScoreMin || v > constants.ScoreMax {
		return 0, fmt.Errorf("score %v outside [%v, %v]", v, constants.ScoreMin, constants.ScoreMax)
	}
	return v, nil
}

// IsScoreToken reports whether a token looks like a score without parsing it.
func IsScoreToken(token string) bool {
	return scorePattern.MatchString(strings.TrimSpace(token))
}
