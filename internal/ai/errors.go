package ai

import "github.com/kiranshivaraju/framehunter/internal/ai/transport"

var (
	ErrProviderUnavailable = transport.ErrProviderUnavailable
	ErrInferenceTimeout    = transport.ErrInferenceTimeout
	ErrInvalidResponse     = transport.ErrInvalidResponse
)
