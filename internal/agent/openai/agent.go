// Package openai implements the conversational agent on the OpenAI chat
// completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// DefaultSystemPrompt keeps answers short enough to be spoken aloud.
const DefaultSystemPrompt = "You are a friendly voice assistant. Answer in one or two short spoken sentences without markdown."

// ErrEmptyAnswer is returned when the model produced no choices.
var ErrEmptyAnswer = errors.New("openai: empty choices in response")

// Agent answers free-form utterances, remembering a bounded window of the
// conversation so follow-up questions have context.
type Agent struct {
	client       oai.Client
	model        string
	systemPrompt string
	maxTurns     int
	maxTokens    int
	logger       *slog.Logger

	mu    sync.Mutex
	turns []turn
}

type turn struct {
	question string
	answer   string
}

type config struct {
	baseURL      string
	timeout      time.Duration
	systemPrompt string
	maxTurns     int
	maxTokens    int
	logger       *slog.Logger
}

type Option func(*config)

func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

func WithSystemPrompt(prompt string) Option {
	return func(c *config) { c.systemPrompt = prompt }
}

// WithMaxTurns bounds how many previous question/answer pairs are sent with
// each request. Zero disables conversation memory.
func WithMaxTurns(n int) Option {
	return func(c *config) { c.maxTurns = n }
}

func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func New(apiKey string, model string, opts ...Option) (*Agent, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{systemPrompt: DefaultSystemPrompt, maxTurns: 6}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Agent{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: cfg.systemPrompt,
		maxTurns:     max(cfg.maxTurns, 0),
		maxTokens:    cfg.maxTokens,
		logger:       cfg.logger,
	}, nil
}

// Ask sends text with the remembered conversation and returns the answer.
// Asks are serialized so the remembered turns stay in order.
func (a *Agent) Ask(ctx context.Context, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(text))
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyAnswer
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	a.remember(text, answer)
	a.logger.Debug("agent answered",
		"model", a.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return answer, nil
}

// Reset forgets the conversation.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = nil
}

func (a *Agent) buildParams(text string) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, 2+2*len(a.turns))
	if a.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(a.systemPrompt))
	}
	for _, t := range a.turns {
		messages = append(messages, oai.UserMessage(t.question), assistantMessage(t.answer))
	}
	messages = append(messages, oai.UserMessage(text))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(a.model),
		Messages: messages,
	}
	if a.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(a.maxTokens))
	}
	return params
}

func (a *Agent) remember(question, answer string) {
	if a.maxTurns == 0 {
		return
	}
	a.turns = append(a.turns, turn{question: question, answer: answer})
	if over := len(a.turns) - a.maxTurns; over > 0 {
		a.turns = append([]turn(nil), a.turns[over:]...)
	}
}

func assistantMessage(content string) oai.ChatCompletionMessageParamUnion {
	asst := oai.ChatCompletionAssistantMessageParam{}
	asst.Content.OfString = oai.String(content)
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}
