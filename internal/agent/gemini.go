package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"

	"github.com/shakedshoshan/SkillUp-sub001/internal/domain"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiCompletion calls the Gemini API.
type GeminiCompletion struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGeminiCompletion creates a Gemini-backed completion.
func NewGeminiCompletion(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiCompletion, error) {
	if apiKey == "" {
		return nil, goerr.Wrap(ErrProviderUnavailable, "gemini api key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	logger.Info("Gemini completion configured", "model", model)
	return &GeminiCompletion{client: client, model: model, logger: logger}, nil
}

// Complete sends the conversation to Gemini. System messages become the
// system instruction.
func (g *GeminiCompletion) Complete(ctx context.Context, messages []Message) (string, error) {
	contents, config := buildGeminiRequest(messages)
	if len(contents) == 0 {
		return "", goerr.Wrap(domain.ErrValidation, "no user or assistant messages to complete")
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		g.logger.Warn("Gemini call failed", "model", g.model, "error", err)
		if ctx.Err() != nil {
			return "", goerr.Wrap(ErrProviderUnavailable, "gemini call canceled", goerr.V("cause", err.Error()))
		}
		return "", goerr.Wrap(ErrProviderError, "gemini call failed", goerr.V("cause", err.Error()))
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", goerr.Wrap(ErrProviderError, "gemini returned empty response")
	}
	return text, nil
}

func buildGeminiRequest(messages []Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	config := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), "")
	}
	return contents, config
}
