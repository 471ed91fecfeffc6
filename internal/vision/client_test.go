package vision

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/akovalyov/chartscan/constants"
	"github.com/akovalyov/chartscan/internal/common"
	"github.com/akovalyov/chartscan/internal/credential"
)

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(b)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *credential.Pool, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	pool := credential.NewPool([]common.CredentialConfig{
		{Key: "test-key-aaaa", QPS: 1000, BurstMultiplier: 1},
	}, constants.RotationRoundRobin, nil)

	client := NewClient(common.VisionConfig{
		BaseURL: srv.URL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, pool, nil)
	return client, pool, srv
}

func TestExtractScoresHappyPath(t *testing.T) {
	var requests int
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = w.Write([]byte(chatReply(`{"scores":{"COMMUNICATION":{"score":7.6,"confidence":0.93}}}`)))
	})

	scores, err := client.ExtractScores(t.Context(), ScoreRequest{
		ImagePNG:      []byte("png-bytes"),
		ExpectedCodes: []string{"COMMUNICATION"},
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected 1 request, got %d", requests)
	}
	got, ok := scores["COMMUNICATION"]
	if !ok || got.Value != 7.6 || got.Confidence != 0.93 {
		t.Fatalf("wrong scores: %v", scores)
	}
}

func TestExtractScoresRetriesOnceWithRestatedPrompt(t *testing.T) {
	var bodies []string
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content any `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		sys, _ := req.Messages[0].Content.(string)
		bodies = append(bodies, sys)

		if len(bodies) == 1 {
			// Missing required "scores" field.
			_, _ = w.Write([]byte(chatReply(`{"values":{}}`)))
			return
		}
		_, _ = w.Write([]byte(chatReply(`{"scores":{"LEADERSHIP":{"score":8,"confidence":0.8}}}`)))
	})

	scores, err := client.ExtractScores(t.Context(), ScoreRequest{
		ExpectedCodes: []string{"LEADERSHIP"},
		Context:       "row 3",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", len(bodies))
	}
	if !strings.Contains(bodies[1], "did not conform") {
		t.Fatalf("second attempt should restate the prompt, got %q", bodies[1])
	}
	if scores["LEADERSHIP"].Value != 8 {
		t.Fatalf("wrong scores: %v", scores)
	}
}

func TestExtractScoresUnusableAfterTwoViolations(t *testing.T) {
	var requests int
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		_, _ = w.Write([]byte(chatReply(`not json at all`)))
	})

	_, err := client.ExtractScores(t.Context(), ScoreRequest{ExpectedCodes: []string{"TEAMWORK"}})
	if !errors.Is(err, ErrUnusableResponse) {
		t.Fatalf("expected ErrUnusableResponse, got %v", err)
	}
	if requests != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", requests)
	}
}

func TestExtractScoresOutOfRangeValueIsViolation(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatReply(`{"scores":{"TEAMWORK":{"score":11}}}`)))
	})

	_, err := client.ExtractScores(t.Context(), ScoreRequest{ExpectedCodes: []string{"TEAMWORK"}})
	if !errors.Is(err, ErrUnusableResponse) {
		t.Fatalf("score outside [1,10] must not be coerced, got %v", err)
	}
}

func TestExtractScoresServerErrorsOpenBreaker(t *testing.T) {
	client, pool, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 3; i++ {
		if _, err := client.ExtractScores(t.Context(), ScoreRequest{}); err == nil {
			t.Fatal("expected error on 500")
		}
	}
	for id, st := range pool.States() {
		if st != credential.StateOpen {
			t.Fatalf("expected %s OPEN after 3 server errors, got %s", id, st)
		}
	}
	// With the only key open, the pool is exhausted.
	if _, err := client.ExtractScores(t.Context(), ScoreRequest{}); !errors.Is(err, credential.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted passthrough, got %v", err)
	}
}

func TestBuildScoreJSONSchemaRejectsUnknownCode(t *testing.T) {
	schema := BuildScoreJSONSchema([]string{"COMMUNICATION"})
	err := ValidateJSONAgainstSchema(schema, []byte(`{"scores":{"MYSTERY":{"score":5}}}`))
	if err == nil {
		t.Fatal("unknown metric code should fail validation")
	}
	if err := ValidateJSONAgainstSchema(schema, []byte(`{"scores":{"COMMUNICATION":{"score":5}}}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}
