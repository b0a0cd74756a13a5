package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/clawinfra/opsloop/internal/config"
)

const systemPrompt = `You analyse production incidents for an autonomous operations loop.
Reply with one JSON object and nothing else, using exactly these fields:
{"root_cause": string, "severity": "low|medium|high|critical", "category": string,
 "recommended_actions": [{"type": string, "target": string, "risk": "low|medium|high|critical",
 "parameters": {string: string}, "rollback": string, "rationale": string}],
 "risk_assessment": string}
Only recommend action types listed in the request.`

// OpenAIOracle talks to any OpenAI-compatible chat completion endpoint.
type OpenAIOracle struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIOracle creates an oracle from config. An empty BaseURL uses the
// public OpenAI endpoint.
func NewOpenAIOracle(cfg config.OracleConfig, logger *slog.Logger) *OpenAIOracle {
	ccfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		ccfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIOracle{
		client: openai.NewClientWithConfig(ccfg),
		model:  cfg.Model,
		logger: logger.With("component", "oracle", "model", cfg.Model),
	}
}

func (o *OpenAIOracle) Analyze(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	o.logger.Debug("oracle responded",
		"purpose", req.Purpose,
		"finish_reason", resp.Choices[0].FinishReason,
		"tokens", resp.Usage.TotalTokens,
	)
	return resp.Choices[0].Message.Content, nil
}
