package normalize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// LabelMap resolves recognized row/column labels to canonical metric codes.
// Lookups are case-insensitive and whitespace-tolerant; unmapped labels are
// reported to the caller, never guessed.
type LabelMap struct {
	byLabel map[string]string
	codes   []string
	log     *slog.Logger
}

// defaultLabels is the built-in competency taxonomy used when no external
// mapping file is configured. Assessment reports label rows in Russian;
// codes are stable Latin identifiers.
var defaultLabels = map[string]string{
	"аналитичность":               "ANALYTICAL_THINKING",
	"системность мышления":        "SYSTEMS_THINKING",
	"гибкость мышления":           "COGNITIVE_FLEXIBILITY",
	"ориентация на результат":     "RESULT_ORIENTATION",
	"планирование и организация":  "PLANNING",
	"принятие решений":            "DECISION_MAKING",
	"лидерство":                   "LEADERSHIP",
	"влияние и убеждение":         "INFLUENCE",
	"коммуникация":                "COMMUNICATION",
	"работа в команде":            "TEAMWORK",
	"стрессоустойчивость":         "STRESS_TOLERANCE",
	"готовность к изменениям":     "CHANGE_READINESS",
	"саморазвитие":                "SELF_DEVELOPMENT",
	"analytical thinking":         "ANALYTICAL_THINKING",
	"systems thinking":            "SYSTEMS_THINKING",
	"cognitive flexibility":       "COGNITIVE_FLEXIBILITY",
	"result orientation":          "RESULT_ORIENTATION",
	"planning and organizing":     "PLANNING",
	"decision making":             "DECISION_MAKING",
	"leadership":                  "LEADERSHIP",
	"influence":                   "INFLUENCE",
	"communication":               "COMMUNICATION",
	"teamwork":                    "TEAMWORK",
	"stress tolerance":            "STRESS_TOLERANCE",
	"readiness for change":        "CHANGE_READINESS",
	"self development":            "SELF_DEVELOPMENT",
}

// NewLabelMap builds a map from the given label->code table. An empty table
// falls back to the built-in taxonomy.
func NewLabelMap(table map[string]string, logger *slog.Logger) *LabelMap {
	if logger == nil {
		logger = slog.Default()
	}
	if len(table) == 0 {
		table = defaultLabels
	}
	m := &LabelMap{byLabel: make(map[string]string, len(table)), log: logger}
	codeSet := map[string]struct{}{}
	for label, code := range table {
		m.byLabel[normalizeLabel(label)] = code
		codeSet[code] = struct{}{}
	}
	for code := range codeSet {
		m.codes = append(m.codes, code)
	}
	sort.Strings(m.codes)
	return m
}

// LoadLabelMap reads a JSON object of label->code from path. An empty path
// yields the built-in taxonomy.
func LoadLabelMap(path string, logger *slog.Logger) (*LabelMap, error) {
	if path == "" {
		return NewLabelMap(nil, logger), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read label map: %w", err)
	}
	var table map[string]string
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse label map: %w", err)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("label map %s is empty", path)
	}
	return NewLabelMap(table, logger), nil
}

// Canonicalize maps a recognized label to its metric code. The second result
// is false for unmapped labels; callers drop those with a warning.
func (m *LabelMap) Canonicalize(label string) (string, bool) {
	code, ok := m.byLabel[normalizeLabel(label)]
	if !ok {
		m.log.Warn("unmapped label dropped", "label", label)
		return "", false
	}
	return code, true
}

// Codes returns the sorted set of canonical metric codes.
func (m *LabelMap) Codes() []string {
	out := make([]string, len(m.codes))
	copy(out, m.codes)
	return out
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}
