package vision

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

func buildSystemPrompt(restated bool) string {
	parts := []string{
		"You read competency assessment tables and bar charts from scanned reports.",
		"Each row pairs a competency label with a numeric score on a 1 to 10 scale.",
		"Return ONLY JSON that matches the JSON Schema provided.",
		"Scores must be numbers between 1 and 10 with at most one decimal place.",
		"Report a confidence between 0 and 1 for every score you read.",
		"If a row's value is unreadable, omit that code entirely. Never guess and never output null.",
	}
	if restated {
		parts = append([]string{
			"Your previous reply did not conform to the schema.",
			"Respond again with a single JSON object and nothing else: no prose, no markdown fences.",
		}, parts...)
	}
	return strings.Join(parts, " ")
}

func buildUserContent(req ScoreRequest) any {
	var text strings.Builder
	text.WriteString("Extract every competency score from this chart.")
	if len(req.ExpectedCodes) > 0 {
		text.WriteString(" Known metric codes: ")
		text.WriteString(strings.Join(req.ExpectedCodes, ", "))
		text.WriteString(".")
	}
	if req.Context != "" {
		text.WriteString("\n\nContext:\n")
		text.WriteString(req.Context)
	}
	if len(req.ImagePNG) == 0 {
		return text.String()
	}
	return []map[string]any{
		{"type": "text", "text": text.String()},
		{
			"type": "image_url",
			"image_url": map[string]any{
				"url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG),
			},
		},
	}
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
