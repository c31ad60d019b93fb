package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/soothelab/crysense/internal/reasoning"
)

// chatServer mimics the chat completions endpoint, returning content as the
// assistant message.
func chatServer(t *testing.T, content string, gotPrompt *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if gotPrompt != nil && len(req.Messages) > 0 {
			*gotPrompt = req.Messages[len(req.Messages)-1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
}

func TestAnalyzeTextContextual(t *testing.T) {
	t.Parallel()

	var prompt string
	srv := chatServer(t, `{"causes":[{"label":"emotional_need","confidence":0.5},{"label":"unknown","confidence":0.3}],"actions":["Hold your baby"]}`, &prompt)
	defer srv.Close()

	e, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	out, err := e.Analyze(context.Background(), reasoning.Request{
		Mode:         reasoning.ModePartial,
		CareSummary:  "last feeding 30m ago",
		LastAnalysis: "most likely cause: hunger (confidence tier medium)",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.MostLikely().Label != "emotional_need" {
		t.Errorf("most likely = %+v", out.MostLikely())
	}
	if !strings.Contains(prompt, "last feeding 30m ago") {
		t.Error("care summary missing from prompt")
	}
	if !strings.Contains(prompt, "hunger") {
		t.Error("previous analysis missing from prompt")
	}
}

func TestAnalyzeRejectsInvalidDistribution(t *testing.T) {
	t.Parallel()

	srv := chatServer(t, `{"causes":[{"label":"hunger","confidence":-0.2}],"actions":[]}`, nil)
	defer srv.Close()

	e, err := New("k", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Analyze(context.Background(), reasoning.Request{}); err == nil {
		t.Fatal("Analyze accepted a negative confidence")
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("New accepted an empty api key")
	}
}
