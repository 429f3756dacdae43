package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/framehunter/internal/ai/transport"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 512
)

// Provider implements models.GenerativeProvider using the Messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{cfg: cfg, client: transport.NewClient()}
}

func (p *Provider) Name() string { return "anthropic" }

// Message is one turn of a Messages API conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesRequest is shared with Bedrock, which accepts the same body plus
// an anthropic_version field.
type MessagesRequest struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system,omitempty"`
	Messages         []Message `json:"messages"`
}

type MessagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewMessagesRequest builds a single-turn request.
func NewMessagesRequest(req models.CompletionRequest) MessagesRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return MessagesRequest{
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []Message{{Role: "user", Content: req.User}},
	}
}

// Text joins the text blocks of a response.
func (r MessagesResponse) Text() (string, error) {
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	if b.Len() == 0 && len(r.Content) == 0 {
		return "", fmt.Errorf("%w: empty content", transport.ErrInvalidResponse)
	}
	return b.String(), nil
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	body := NewMessagesRequest(req)
	body.Model = p.cfg.Model

	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": apiVersion,
	}

	var out MessagesResponse
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	if err := transport.PostJSON(ctx, p.client, url, headers, body, &out); err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}
	return out.Text()
}

var _ models.GenerativeProvider = (*Provider)(nil)
