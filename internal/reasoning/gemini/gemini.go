// Package gemini provides the primary multimodal reasoning engine, backed
// by the Gemini generateContent REST API. Accumulated cry audio is sent
// inline (base64) together with the care context, and the model is asked to
// answer with a strict JSON cause distribution.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/soothelab/crysense/internal/reasoning"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.0-flash"
	defaultTimeout = 30 * time.Second
)

// Compile-time assertion that Engine implements reasoning.Engine.
var _ reasoning.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithModel overrides the default Gemini model.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithBaseURL overrides the default API endpoint, mainly for tests.
func WithBaseURL(url string) Option {
	return func(e *Engine) { e.baseURL = strings.TrimSuffix(url, "/") }
}

// WithTimeout sets the hard per-call timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// Engine calls the Gemini API. Safe for concurrent use.
type Engine struct {
	apiKey  string
	model   string
	baseURL string
	timeout time.Duration

	httpClient *http.Client
}

// New creates a Gemini engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	e.httpClient = &http.Client{Timeout: e.timeout}
	return e, nil
}

// ---- request/response wire types --------------------------------------------

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	Temperature      float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// modelAnswer is the JSON shape the prompt instructs the model to return.
type modelAnswer struct {
	Causes []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	} `json:"causes"`
	Actions []string `json:"actions"`
}

// Analyze implements reasoning.Engine. The call is bounded by the engine's
// timeout regardless of the caller's context.
func (e *Engine) Analyze(ctx context.Context, req reasoning.Request) (*reasoning.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	parts := []part{{Text: buildPrompt(req)}}
	if len(req.Audio) > 0 {
		mime := req.MimeType
		if mime == "" {
			mime = "audio/pcm"
		}
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(req.Audio),
		}})
	}

	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: parts}},
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", e.baseURL, e.model, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini: server returned HTTP %d", resp.StatusCode)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("gemini: parse response: %w", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("gemini: empty response")
	}

	outcome, err := parseAnswer(gr.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return nil, err
	}
	outcome.Model = e.model
	outcome.Latency = time.Since(start)

	if err := reasoning.Validate(outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// buildPrompt renders the analysis instructions plus whatever context the
// request carries. Control-arm requests carry neither summary nor priors
// and so get the bare instructions.
func buildPrompt(req reasoning.Request) string {
	var b strings.Builder
	b.WriteString("You are analysing an audio recording of an infant crying. ")
	b.WriteString("Rank the likely causes among: ")
	b.WriteString(strings.Join(reasoning.CauseLabels, ", "))
	b.WriteString(".\n")
	fmt.Fprintf(&b, "Analysis mode: %s.\n", req.Mode)
	if !req.OccurredAt.IsZero() {
		fmt.Fprintf(&b, "The crying started at %s.\n", req.OccurredAt.Format(time.RFC3339))
	}
	if req.CareSummary != "" {
		fmt.Fprintf(&b, "Recent care context: %s\n", req.CareSummary)
	}
	if len(req.Priors) > 0 {
		b.WriteString("Learned household tendencies (cause: weight): ")
		labels := make([]string, 0, len(req.Priors))
		for label := range req.Priors {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for i, label := range labels {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %.2f", label, req.Priors[label])
		}
		b.WriteString(".\n")
	}
	if req.LastAnalysis != "" {
		fmt.Fprintf(&b, "Previous provisional analysis: %s\n", req.LastAnalysis)
	}
	b.WriteString(`Respond with JSON only, shaped exactly as:
{"causes": [{"label": "...", "confidence": 0.0}], "actions": ["..."]}
Causes must be ordered by descending confidence; confidences lie in [0, 1].
Actions are up to three short caregiver suggestions.`)
	return b.String()
}

// parseAnswer decodes the model's JSON answer, tolerating surrounding prose
// by extracting the outermost object.
func parseAnswer(text string) (*reasoning.Outcome, error) {
	raw := strings.TrimSpace(text)
	if i := strings.Index(raw, "{"); i > 0 {
		raw = raw[i:]
	}
	if i := strings.LastIndex(raw, "}"); i >= 0 {
		raw = raw[:i+1]
	}

	var ans modelAnswer
	if err := json.Unmarshal([]byte(raw), &ans); err != nil {
		return nil, fmt.Errorf("gemini: parse model answer: %w", err)
	}

	outcome := &reasoning.Outcome{Actions: ans.Actions}
	for _, c := range ans.Causes {
		outcome.Causes = append(outcome.Causes, reasoning.Cause{Label: c.Label, Confidence: c.Confidence})
	}
	return outcome, nil
}
