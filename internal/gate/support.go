package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xela07ax/trustgate/internal/connectors"
)

// SupportChecker отвечает на вопрос: подтверждает ли текст якоря утверждение.
type SupportChecker interface {
	Supports(ctx context.Context, claim, evidence string) (bool, error)
}

// Режимы семантической проверки.
const (
	ModeDeterministic = "deterministic"
	ModeOpenAI        = "openai"
	ModeOllama        = "ollama"
)

const (
	auditorPrompt = "You are a logical auditor. Does the following text EXPLICITLY support the claim? Answer only TRUE or FALSE."
	// DefaultCheckTimeout: бюджет одного обращения к модели.
	DefaultCheckTimeout = 5 * time.Second
)

type CheckerConfig struct {
	Mode    string        `mapstructure:"mode"`
	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewChecker собирает проверку по режиму из конфигурации.
func NewChecker(cfg CheckerConfig) (SupportChecker, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCheckTimeout
	}
	switch strings.ToLower(cfg.Mode) {
	case "", ModeDeterministic:
		return DeterministicChecker{}, nil
	case ModeOpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("gate: openai support checker requires an api key")
		}
		conf := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			conf.BaseURL = cfg.BaseURL
		}
		model := cfg.Model
		if model == "" {
			model = openai.GPT4oMini
		}
		return &OpenAIChecker{client: openai.NewClientWithConfig(conf), model: model, timeout: cfg.Timeout}, nil
	case ModeOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("gate: init ollama: %w", err)
		}
		return NewLLMChecker(llm, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("gate: unknown support checker mode %q", cfg.Mode)
	}
}

// DeterministicChecker: нормализованный текст якоря должен содержать нормализованное утверждение.
type DeterministicChecker struct{}

func (DeterministicChecker) Supports(_ context.Context, claim, evidence string) (bool, error) {
	c, e := normalizeLower(claim), normalizeLower(evidence)
	if c == "" || e == "" {
		return false, nil
	}
	return strings.Contains(e, c), nil
}

// OpenAIChecker задает вопрос OpenAI-совместимому API.
type OpenAIChecker struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func (c *OpenAIChecker) Supports(ctx context.Context, claim, evidence string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   4,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: auditorPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(claim, evidence)},
		},
	})
	if err != nil {
		// 429 отдаем как ThrottleError, чтобы обертка надежности выждала Retry-After
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return false, &connectors.ThrottleError{RetryAfter: time.Second, Cause: err}
		}
		return false, fmt.Errorf("gate: openai support check: %w", err)
	}
	if len(resp.Choices) == 0 {
		return false, nil
	}
	return isTrue(resp.Choices[0].Message.Content), nil
}

// LLMChecker работает с любой моделью langchaingo (локальный Ollama по умолчанию).
type LLMChecker struct {
	llm     llms.Model
	timeout time.Duration
}

func NewLLMChecker(llm llms.Model, timeout time.Duration) *LLMChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &LLMChecker{llm: llm, timeout: timeout}
}

func (c *LLMChecker) Supports(ctx context.Context, claim, evidence string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := auditorPrompt + "\n\n" + userPrompt(claim, evidence)
	answer, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt,
		llms.WithTemperature(0),
		llms.WithMaxTokens(4),
	)
	if err != nil {
		return false, fmt.Errorf("gate: llm support check: %w", err)
	}
	return isTrue(answer), nil
}

func userPrompt(claim, evidence string) string {
	return fmt.Sprintf("Text: %q\nClaim: %q", evidence, claim)
}

func isTrue(answer string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(answer)), "TRUE")
}

func normalizeLower(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
