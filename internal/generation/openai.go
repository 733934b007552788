package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Config holds chat completion endpoint settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float32
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client is a Generator backed by an OpenAI-compatible API.
type Client struct {
	api        *openai.Client
	httpClient *http.Client
	cfg        Config
	personas   *Catalogue
	logger     *slog.Logger
}

var _ Generator = (*Client)(nil)

// NewClient returns a Client for cfg speaking as the personas in catalogue.
func NewClient(cfg Config, catalogue *Catalogue, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
		personas:   catalogue,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	apiCfg.HTTPClient = c.httpClient
	c.api = openai.NewClientWithConfig(apiCfg)
	c.logger = c.logger.With(slog.String("component", "generation"))

	return c
}

// Generate asks the model for the persona's next reply, bounded by the
// configured timeout.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	persona, ok := c.personas.Lookup(req.PersonaID)
	if !ok {
		return nil, NewFatalError(fmt.Errorf("unknown persona %q", req.PersonaID))
	}
	if len(req.History) == 0 {
		return nil, NewFatalError(errors.New("message history is empty"))
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(persona, req.TargetLanguage),
	})
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		c.logger.Warn("Chat completion failed",
			slog.String("persona_id", persona.ID),
			slog.Duration("took", time.Since(start)),
			slog.Any("error", err),
		)
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, NewTransientError(errors.New("model returned an empty reply"))
	}

	c.logger.Debug("Chat completion finished",
		slog.String("persona_id", persona.ID),
		slog.String("model", resp.Model),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Duration("took", time.Since(start)),
	)

	return &Result{
		Text:    strings.TrimSpace(resp.Choices[0].Message.Content),
		Persona: persona,
		Model:   resp.Model,
	}, nil
}

// classify sorts API failures into transient and fatal ones.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(reqErr.HTTPStatusCode, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return NewTransientError(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewTransientError(err)
}

func byStatus(code int, err error) error {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500, code == 0:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}
