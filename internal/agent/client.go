package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clinical-triage/internal/triage"
)

const (
	DefaultEndpoint = "https://api.deepseek.com/chat/completions"
	DefaultModel    = "deepseek-chat"

	// fallbackConfidence applies when the model answered but its JSON could not be read.
	fallbackConfidence = 0.7
	fallbackReasoning  = "Secondary assessment could not be extracted from the model response; default confidence applied."
)

var (
	ErrEmptyResponse  = errors.New("secondary assessor returned an empty response body")
	ErrMissingContent = errors.New("secondary assessor response has no message content")
)

// DeepSeekClient reviews rule results through an OpenAI-compatible chat completions API.
type DeepSeekClient struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*DeepSeekClient)

func WithModel(model string) Option {
	return func(c *DeepSeekClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithEndpoint sets the chat completions URL (for testing or another provider).
func WithEndpoint(url string) Option {
	return func(c *DeepSeekClient) {
		if url != "" {
			c.endpoint = url
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *DeepSeekClient) {
		c.httpClient = client
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *DeepSeekClient) {
		c.now = now
	}
}

func NewDeepSeekClient(apiKey string, opts ...Option) *DeepSeekClient {
	c := &DeepSeekClient{
		apiKey:     apiKey,
		model:      DefaultModel,
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *DeepSeekClient) Model() string { return c.model }

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
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Assess asks the model to review the rule-based result. Malformed model output
// degrades to a default assessment; transport failures and responses without
// content are returned as errors.
func (c *DeepSeekClient) Assess(ctx context.Context, s triage.Symptoms, r triage.RuleEvaluationResult) (*triage.SecondaryAssessment, error) {
	prompt, err := buildPrompt(s, r)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("secondary assessor request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read assessor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(raw))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyResponse
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if chat.Error != nil {
		return nil, fmt.Errorf("API error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 || chat.Choices[0].Message == nil || chat.Choices[0].Message.Content == nil {
		return nil, ErrMissingContent
	}
	content := strings.TrimSpace(*chat.Choices[0].Message.Content)
	if content == "" {
		return nil, ErrMissingContent
	}

	a := parseAssessment(content, r.Urgency)
	a.Model = c.model
	a.Timestamp = c.now().UTC()
	return &a, nil
}
