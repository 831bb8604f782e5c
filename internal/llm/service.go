package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/algae514/zerocode-llm-chat/internal/models"
)

// Provider names the backend a Service talks to. It is chosen explicitly
// and never inferred from a model name.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
)

// localToken stands in for the API key of OpenAI-compatible local servers.
const localToken = "local"

var ErrEmptyResponse = errors.New("llm returned no choices")

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderOpenAI, ProviderAnthropic, ProviderOllama:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported llm provider %q", s)
	}
}

type Config struct {
	Provider     Provider
	Model        string
	BaseURL      string
	OpenAIKey    string
	AnthropicKey string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

type Service struct {
	llm    llms.Model
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Service, error) {
	var (
		model llms.Model
		err   error
	)

	switch cfg.Provider {
	case ProviderOpenAI:
		token := cfg.OpenAIKey
		if token == "" {
			if cfg.BaseURL == "" {
				return nil, errors.New("openai api key not found in configuration")
			}
			token = localToken
		}
		opts := []openai.Option{openai.WithToken(token), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case ProviderAnthropic:
		if cfg.AnthropicKey == "" {
			return nil, errors.New("anthropic api key not found in configuration")
		}
		model, err = anthropic.New(anthropic.WithToken(cfg.AnthropicKey), anthropic.WithModel(cfg.Model))
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s client: %w", cfg.Provider, err)
	}

	return NewWithModel(model, cfg, logger), nil
}

// NewWithModel wraps an already constructed langchaingo model.
func NewWithModel(model llms.Model, cfg Config, logger *zap.Logger) *Service {
	return &Service{llm: model, cfg: cfg, logger: logger}
}

func (s *Service) Provider() Provider {
	return s.cfg.Provider
}

// Generate returns the assistant's reply to history, oldest message first.
// model overrides the configured model when non-empty.
func (s *Service) Generate(ctx context.Context, model string, history []models.Message) (string, error) {
	if len(history) == 0 {
		return "", errors.New("cannot generate a reply to an empty conversation")
	}

	content := make([]llms.MessageContent, 0, len(history))
	for _, msg := range history {
		content = append(content, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}

	opts := []llms.CallOption{
		llms.WithTemperature(s.cfg.Temperature),
		llms.WithMaxTokens(s.cfg.MaxTokens),
	}
	if model == "" {
		model = s.cfg.Model
	}
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		s.logger.Error("Failed to generate completion",
			zap.String("provider", string(s.cfg.Provider)),
			zap.String("model", model),
			zap.Error(err))
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	s.logger.Debug("Generated completion",
		zap.String("provider", string(s.cfg.Provider)),
		zap.String("model", model),
		zap.Int("history", len(history)),
		zap.Duration("elapsed", time.Since(start)))
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func chatMessageType(role models.Role) schema.ChatMessageType {
	if role == models.RoleAssistant {
		return schema.ChatMessageTypeAI
	}
	return schema.ChatMessageTypeHuman
}
