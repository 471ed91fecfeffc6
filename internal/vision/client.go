package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akovalyov/chartscan/internal/common"
	"github.com/akovalyov/chartscan/internal/credential"
)

// ErrUnusableResponse means the model's reply failed schema validation even
// after one restated retry. The affected metrics go to manual review; no
// value is ever coerced out of a malformed reply.
var ErrUnusableResponse = errors.New("unusable model response")

// ScoreRequest is one fallback call: an image (or bare text context) plus
// the output contract the model must honor.
type ScoreRequest struct {
	ReportID      uuid.UUID
	ImagePNG      []byte
	ExpectedCodes []string
	Context       string
}

// Score is one extracted value as reported by the remote model.
type Score struct {
	Value      float64 `json:"score"`
	Confidence float32 `json:"confidence"`
}

// Client mediates all calls to the external vision/text model. Every call
// borrows a credential from the pool; transport and schema failures are
// reported back for circuit-breaker accounting.
type Client struct {
	cfg        common.VisionConfig
	pool       *credential.Pool
	httpClient *http.Client
	sem        chan struct{} // bounds concurrent remote calls
	log        *slog.Logger
}

func NewClient(cfg common.VisionConfig, pool *credential.Pool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Client{
		cfg:        cfg,
		pool:       pool,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sem:        make(chan struct{}, cfg.Concurrency),
		log:        logger,
	}
}

// ExtractScores performs one remote extraction. On a schema violation it
// retries exactly once with a restated prompt; a second violation returns
// ErrUnusableResponse. credential.ErrPoolExhausted passes through untouched
// so the orchestrator can apply its own backoff.
func (c *Client) ExtractScores(ctx context.Context, req ScoreRequest) (map[string]Score, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rid := uuid.New().String()
	start := time.Now()
	c.log.Info("vision.extract.start",
		"req_id", rid,
		"report_id", req.ReportID,
		"model", c.cfg.Model,
		"image_bytes", len(req.ImagePNG),
		"expected_codes", len(req.ExpectedCodes),
	)

	schema := BuildScoreJSONSchema(req.ExpectedCodes)

	for attempt, restated := 0, false; attempt < 2; attempt++ {
		scores, err := c.callOnce(ctx, req, schema, restated)
		if err == nil {
			c.log.Info("vision.extract.ok",
				"req_id", rid,
				"report_id", req.ReportID,
				"scores", len(scores),
				"restated", restated,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return scores, nil
		}
		if errors.Is(err, errSchemaViolation) && !restated {
			c.log.Warn("vision.extract.schema_retry", "req_id", rid, "report_id", req.ReportID, "error", err)
			restated = true
			continue
		}
		if errors.Is(err, errSchemaViolation) {
			c.log.Error("vision.extract.unusable",
				"req_id", rid, "report_id", req.ReportID,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return nil, ErrUnusableResponse
		}
		c.log.Error("vision.extract.failed",
			"req_id", rid, "report_id", req.ReportID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}
	return nil, ErrUnusableResponse
}

// errSchemaViolation is internal; callers see ErrUnusableResponse once the
// restated retry is spent.
var errSchemaViolation = errors.New("schema violation")

func (c *Client) callOnce(ctx context.Context, req ScoreRequest, schema map[string]any, restated bool) (map[string]Score, error) {
	lease, err := c.pool.Select()
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": buildSystemPrompt(restated)},
			{"role": "user", "content": buildUserContent(req)},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, status, err := c.post(ctx, endpoint, lease.APIKey(), body)
	if err != nil {
		lease.Failure(credential.FailureTransport)
		return nil, fmt.Errorf("vision call via %s: %w", lease.ID(), err)
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		lease.Failure(credential.FailureTransport)
		return nil, fmt.Errorf("vision status %d via %s", status, lease.ID())
	}
	if status < 200 || status >= 300 {
		// Non-retriable client error; not a credential-health signal.
		lease.Discard()
		return nil, fmt.Errorf("vision status %d: %s", status, truncate(raw, 512))
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		lease.Failure(credential.FailureSchema)
		return nil, fmt.Errorf("%w: decode envelope: %v", errSchemaViolation, err)
	}
	if len(cc.Choices) == 0 {
		lease.Failure(credential.FailureSchema)
		return nil, fmt.Errorf("%w: no choices", errSchemaViolation)
	}
	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))

	if err := ValidateJSONAgainstSchema(schema, content); err != nil {
		lease.Failure(credential.FailureSchema)
		return nil, fmt.Errorf("%w: %v", errSchemaViolation, err)
	}

	var out struct {
		Scores map[string]Score `json:"scores"`
	}
	if err := json.Unmarshal(content, &out); err != nil {
		lease.Failure(credential.FailureSchema)
		return nil, fmt.Errorf("%w: unmarshal scores: %v", errSchemaViolation, err)
	}

	lease.Success()
	return out.Scores, nil
}

func (c *Client) post(ctx context.Context, url, apiKey string, body map[string]any) ([]byte, int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("vision http error: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Warn("vision response body close error", "error", cerr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}
