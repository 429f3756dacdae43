package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/framehunter/internal/ai/transport"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// Provider implements models.GenerativeProvider using Ollama's generate API.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{cfg: cfg, client: transport.NewClient()}
}

func (p *Provider) Name() string { return "ollama" }

type generateRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	body := generateRequest{
		Model:  p.cfg.Model,
		System: req.System,
		Prompt: req.User,
	}
	if req.MaxTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	var out generateResponse
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/generate"
	if err := transport.PostJSON(ctx, p.client, url, nil, body, &out); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return out.Response, nil
}

var _ models.GenerativeProvider = (*Provider)(nil)
