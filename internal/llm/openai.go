package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"textpilot/internal/config"
	"textpilot/internal/retry"

	"golang.org/x/time/rate"
)

var (
	ErrMissingModel = errors.New("model is required")
	ErrEmptyReply   = errors.New("empty response from model")
)

// Этапы обращения к модели, на которых может возникнуть CompletionError.
const (
	OpValidate = "validate"
	OpWait     = "rate limit wait"
	OpEncode   = "encode request"
	OpSend     = "send request"
	OpDecode   = "decode response"
)

// CompletionError оборачивает любую ошибку обращения к chat completion API:
// сетевую, статус ответа, ошибку декодирования или неожиданную форму ответа.
// Op называет этап, Status заполнен, если ответ сервера был получен.
type CompletionError struct {
	Op     string
	Status int
	Err    error
}

func (e *CompletionError) Error() string {
	op := e.Op
	if op == "" {
		op = "completion"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s failed (status %d): %v", op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", op, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// OpenAIClient обращается к OpenAI-совместимому endpoint /chat/completions.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	retryPolicy retry.Policy
	limiter     *rate.Limiter
	// tokenEvery интервал пополнения лимитера, он же худшее ожидание Wait.
	tokenEvery time.Duration
	logger     *slog.Logger
}

type Option func(*OpenAIClient)

// WithRetryPolicy заменяет политику повторов (используется в тестах).
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *OpenAIClient) {
		c.retryPolicy = p
	}
}

func NewOpenAIClient(cfg config.OpenAIConfig, httpClient *http.Client, logger *slog.Logger, opts ...Option) *OpenAIClient {
	policy := retry.DefaultPolicy()
	policy.Name = "chat completion"

	c := &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		model:       cfg.Model,
		httpClient:  httpClient,
		retryPolicy: policy,
		logger:      logger,
	}
	if cfg.RatePerMinute > 0 {
		c.tokenEvery = time.Minute / time.Duration(cfg.RatePerMinute)
		c.limiter = rate.NewLimiter(rate.Every(c.tokenEvery), cfg.RatePerMinute)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Budget оценивает сверху, сколько может занять один Complete: ожидание
// лимитера, все повторы и последняя попытка длиной attemptTimeout.
func (c *OpenAIClient) Budget(attemptTimeout time.Duration) time.Duration {
	return c.tokenEvery + c.retryPolicy.Budget(attemptTimeout)
}

// Model возвращает фиксированный идентификатор модели.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Complete отправляет messages вместе с моделью и возвращает content первого choice.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.model == "" {
		return "", &CompletionError{Op: OpValidate, Err: ErrMissingModel}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &CompletionError{Op: OpWait, Err: err}
		}
	}

	buf, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", &CompletionError{Op: OpEncode, Err: err}
	}

	resp, body, err := retry.DoHTTP(ctx, c.retryPolicy, c.logger, func(ctx context.Context) (*http.Response, []byte, error) {
		return c.doRequest(ctx, buf)
	})
	if err != nil {
		status := 0
		var se *retry.HTTPStatusError
		if errors.As(err, &se) {
			status = se.StatusCode
		}
		return "", &CompletionError{Op: OpSend, Status: status, Err: err}
	}

	reply, err := parseChatResponse(resp.StatusCode, body)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("completion rejected",
				slog.Int("status", resp.StatusCode),
				slog.String("error", err.Error()))
		}
		return "", err
	}
	return reply, nil
}

func (c *OpenAIClient) doRequest(ctx context.Context, buf []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

func parseChatResponse(status int, body []byte) (string, error) {
	var parsed chatResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if status >= 300 {
		if decodeErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			return "", &CompletionError{Op: OpDecode, Status: status, Err: errors.New(parsed.Error.Message)}
		}
		return "", &CompletionError{Op: OpDecode, Status: status, Err: fmt.Errorf("unexpected status: %s", snippet(body))}
	}
	if decodeErr != nil {
		return "", &CompletionError{Op: OpDecode, Status: status, Err: decodeErr}
	}
	if parsed.Error != nil {
		return "", &CompletionError{Op: OpDecode, Status: status, Err: fmt.Errorf("api error: %s", parsed.Error.Message)}
	}
	// Пустой content тоже ошибка: пустой результат не показывается и не коммитится.
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", &CompletionError{Op: OpDecode, Status: status, Err: ErrEmptyReply}
	}
	return parsed.Choices[0].Message.Content, nil
}

func snippet(body []byte) string {
	const limit = 200
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
