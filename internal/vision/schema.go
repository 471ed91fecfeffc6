package vision

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/akovalyov/chartscan/constants"
)

// BuildScoreJSONSchema returns the JSON-Schema the model must satisfy:
// an object with a "scores" map keyed by canonical metric code, each entry
// a numeric score in [1, 10] with an optional confidence in [0, 1].
// The schema is sent to the model as an output constraint and used locally
// to validate the reply.
func BuildScoreJSONSchema(expectedCodes []string) map[string]any {
	scoreProps := map[string]any{}
	for _, code := range expectedCodes {
		scoreProps[code] = scoreEntryProp()
	}
	scores := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           scoreProps,
	}
	if len(expectedCodes) == 0 {
		// No fixed taxonomy: any code is allowed, entries still constrained.
		scores = map[string]any{
			"type":                 "object",
			"additionalProperties": scoreEntryProp(),
		}
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"scores": scores,
		},
		"required": []string{"scores"},
	}
}

func scoreEntryProp() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"score": map[string]any{
				"type":    "number",
				"minimum": constants.ScoreMin,
				"maximum": constants.ScoreMax,
			},
			"confidence": map[string]any{
				"type":    "number",
				"minimum": 0.0,
				"maximum": 1.0,
			},
		},
		"required": []string{"score"},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
