// Package bedrock runs Anthropic models hosted on Amazon Bedrock.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/kiranshivaraju/framehunter/internal/ai/anthropic"
	"github.com/kiranshivaraju/framehunter/internal/ai/transport"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const anthropicVersion = "bedrock-2023-05-31"

// InvokeAPI is the subset of the Bedrock runtime client used here.
type InvokeAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Provider struct {
	client  InvokeAPI
	modelID string
}

func NewProvider(client InvokeAPI, cfg config.BedrockConfig) *Provider {
	return &Provider{client: client, modelID: cfg.ModelID}
}

func (p *Provider) Name() string { return "bedrock" }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	body := anthropic.NewMessagesRequest(req)
	body.AnthropicVersion = anthropicVersion

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding bedrock request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock invoke %s: %w", p.modelID, classifyAWSError(err))
	}

	var resp anthropic.MessagesResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("%w: decoding bedrock response: %v", transport.ErrInvalidResponse, err)
	}
	return resp.Text()
}

func classifyAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "AccessDeniedException", "ResourceNotFoundException":
			return fmt.Errorf("%w: %s", transport.ErrInvalidResponse, apiErr.ErrorMessage())
		case "ModelTimeoutException":
			return fmt.Errorf("%w: %s", transport.ErrInferenceTimeout, apiErr.ErrorMessage())
		}
	}
	return transport.ClassifyError(err)
}

var _ models.GenerativeProvider = (*Provider)(nil)
