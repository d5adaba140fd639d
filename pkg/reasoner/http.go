package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clerkwell/docket/pkg/casefile"
)

// HTTPReasoner calls an OpenAI-compatible chat completions endpoint and
// expects the model to answer with a single JSON object:
//
//	{"decision": "approve", "analysis": "...", "findings": {...}}
type HTTPReasoner struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// HTTPConfig configures an HTTPReasoner.
type HTTPConfig struct {
	Endpoint string // e.g. "https://api.openai.com/v1/chat/completions"
	APIKey   string
	Model    string
	Timeout  time.Duration // per-call bound; default 30s
}

// NewHTTPReasoner creates an LLM-backed reasoner.
func NewHTTPReasoner(cfg HTTPConfig) (*HTTPReasoner, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("reasoner: empty endpoint")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReasoner{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const systemPrompt = `You are a compliance reviewer deciding one stage of an audit case.
Answer with exactly one JSON object: {"decision": "approve"|"reject"|"request_adjustment", "analysis": "<rationale>", "findings": {}}.`

func (r *HTTPReasoner) Evaluate(ctx context.Context, req Request) (*Result, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reasoner: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("reasoner: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("reasoner call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reasoner: endpoint returned %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("reasoner: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("reasoner: empty choices")
	}
	return parseVerdict(chat.Choices[0].Message.Content)
}

func buildPrompt(req Request) (string, error) {
	doc := map[string]interface{}{
		"case_id": req.CaseID,
		"stage":   req.StageID,
		"agent":   req.AgentID,
		"context": req.Context,
		"prior":   req.Prior,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("reasoner: build prompt: %w", err)
	}
	return string(b), nil
}

// parseVerdict extracts the decision object from model output, tolerating
// surrounding prose or markdown fences.
func parseVerdict(content string) (*Result, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("reasoner: no JSON object in output")
	}
	var verdict struct {
		Decision string                 `json:"decision"`
		Analysis string                 `json:"analysis"`
		Findings map[string]interface{} `json:"findings"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return nil, fmt.Errorf("reasoner: malformed verdict: %w", err)
	}
	decision := casefile.Decision(verdict.Decision)
	if !ValidDecision(decision) {
		return nil, fmt.Errorf("reasoner: unknown decision %q", verdict.Decision)
	}
	return &Result{
		Decision: decision,
		Analysis: verdict.Analysis,
		Findings: verdict.Findings,
	}, nil
}
