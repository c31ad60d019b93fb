// Package openai provides the text-contextual fallback reasoning engine.
//
// It cannot hear the audio. Instead it reasons from the recent care summary,
// the learned priors, and the last provisional analysis, which is enough to
// keep guidance flowing when the multimodal primary is down.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/soothelab/crysense/internal/reasoning"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// Compile-time assertion that Engine implements reasoning.Engine.
var _ reasoning.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*config)

type config struct {
	model   string
	baseURL string
	timeout time.Duration
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets the hard per-call timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Engine is the fallback reasoning engine backed by the OpenAI chat API.
type Engine struct {
	client  oai.Client
	model   string
	timeout time.Duration
}

// New creates the fallback engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel, timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Engine{
		client:  oai.NewClient(reqOpts...),
		model:   cfg.model,
		timeout: cfg.timeout,
	}, nil
}

const systemPrompt = `You estimate the likely cause of an infant's crying from
textual context alone; the audio is not available to you. Respond with JSON
only, shaped exactly as:
{"causes": [{"label": "...", "confidence": 0.0}], "actions": ["..."]}
Causes must be ordered by descending confidence; confidences lie in [0, 1].
Be conservative: without audio, prefer moderate confidences.`

// Analyze implements reasoning.Engine.
func (e *Engine) Analyze(ctx context.Context, req reasoning.Request) (*reasoning.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(buildUserPrompt(req)),
		},
	}

	start := time.Now()
	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	outcome, err := parseAnswer(resp.Choices[0].Message.Content)
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

func buildUserPrompt(req reasoning.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Candidate causes: %s.\n", strings.Join(reasoning.CauseLabels, ", "))
	fmt.Fprintf(&b, "Analysis mode: %s.\n", req.Mode)
	if !req.OccurredAt.IsZero() {
		fmt.Fprintf(&b, "The crying started at %s.\n", req.OccurredAt.Format(time.RFC3339))
	}
	if req.CareSummary != "" {
		fmt.Fprintf(&b, "Recent care context: %s\n", req.CareSummary)
	}
	if req.LastAnalysis != "" {
		fmt.Fprintf(&b, "Previous provisional analysis: %s\n", req.LastAnalysis)
	}
	if len(req.Priors) > 0 {
		weights, _ := json.Marshal(req.Priors)
		fmt.Fprintf(&b, "Learned household tendencies: %s\n", weights)
	}
	if b.Len() == 0 {
		b.WriteString("No additional context is available.")
	}
	return b.String()
}

// parseAnswer decodes the model's JSON answer, trimming any surrounding
// prose or code fences.
func parseAnswer(text string) (*reasoning.Outcome, error) {
	raw := strings.TrimSpace(text)
	if i := strings.Index(raw, "{"); i > 0 {
		raw = raw[i:]
	}
	if i := strings.LastIndex(raw, "}"); i >= 0 {
		raw = raw[:i+1]
	}

	var ans struct {
		Causes []struct {
			Label      string  `json:"label"`
			Confidence float64 `json:"confidence"`
		} `json:"causes"`
		Actions []string `json:"actions"`
	}
	if err := json.Unmarshal([]byte(raw), &ans); err != nil {
		return nil, fmt.Errorf("openai: parse model answer: %w", err)
	}

	outcome := &reasoning.Outcome{Actions: ans.Actions}
	for _, c := range ans.Causes {
		outcome.Causes = append(outcome.Causes, reasoning.Cause{Label: c.Label, Confidence: c.Confidence})
	}
	return outcome, nil
}
