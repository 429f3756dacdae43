// Package vllm serves completions from a vLLM server through its
// OpenAI-compatible API.
package vllm

import (
	"github.com/kiranshivaraju/framehunter/internal/ai/openai"
	"github.com/kiranshivaraju/framehunter/internal/config"
)

func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	return openai.NewCompatible("vllm", cfg.BaseURL, "", cfg.Model)
}
