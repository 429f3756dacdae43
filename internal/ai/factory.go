package ai

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/kiranshivaraju/framehunter/internal/ai/anthropic"
	"github.com/kiranshivaraju/framehunter/internal/ai/bedrock"
	"github.com/kiranshivaraju/framehunter/internal/ai/ollama"
	"github.com/kiranshivaraju/framehunter/internal/ai/openai"
	"github.com/kiranshivaraju/framehunter/internal/ai/vllm"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// NewProvider constructs the appropriate generative provider based on config.
// Called once at server startup. awsCfg is only read for bedrock.
func NewProvider(cfg config.AIConfig, awsCfg aws.Config) (models.GenerativeProvider, error) {
	switch cfg.Provider {
	case "none":
		return Disabled{}, nil
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "vllm":
		return vllm.NewProvider(cfg.VLLM), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "bedrock":
		return bedrock.NewProvider(bedrockruntime.NewFromConfig(awsCfg), cfg.Bedrock), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of none, ollama, vllm, openai, anthropic, bedrock", cfg.Provider)
	}
}

// Disabled is the provider used when generation is switched off. Callers
// fall back to canned answers.
type Disabled struct{}

func (Disabled) Name() string { return "none" }

func (Disabled) Complete(context.Context, models.CompletionRequest) (string, error) {
	return "", ErrProviderUnavailable
}
