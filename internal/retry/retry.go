// Package retry повторяет HTTP-запросы к модели при сетевых сбоях и временных статусах.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 8 * time.Second
	defaultMultiplier     = 2.0
	defaultMaxAttempts    = 3
	defaultMaxElapsed     = 20 * time.Second
	defaultJitterFraction = 0.30
	defaultSnippetLimit   = 200
	defaultName           = "request"
)

type Sleeper func(ctx context.Context, d time.Duration) error
type NowFunc func() time.Time
type RandFunc func() float64

type Policy struct {
	// Name попадает в лог повтора, например "chat completion".
	Name        string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
	// MaxElapsed ограничивает суммарное ожидание: пользователь смотрит на
	// спиннер, поэтому повтор, который закончится позже, не запускается.
	MaxElapsed     time.Duration
	JitterFraction float64
	SnippetLimit   int
	Sleep          Sleeper
	Now            NowFunc
	Rand           RandFunc
}

func DefaultPolicy() Policy {
	return withDefaults(Policy{})
}

// Budget оценивает сверху время DoHTTP, если одна попытка длится не дольше
// attemptTimeout: паузы заканчиваются не позже MaxElapsed, после них идёт
// ещё одна попытка.
func (p Policy) Budget(attemptTimeout time.Duration) time.Duration {
	p = withDefaults(p)
	return p.MaxElapsed + attemptTimeout
}

// HTTPStatusError повторяемый статус, который сервер так и не сменил.
type HTTPStatusError struct {
	StatusCode  int
	BodySnippet string
}

func (e *HTTPStatusError) Error() string {
	if e.BodySnippet == "" {
		return fmt.Sprintf("transient status %d", e.StatusCode)
	}
	return fmt.Sprintf("transient status %d: %s", e.StatusCode, e.BodySnippet)
}

type ExhaustedError struct {
	Cause    error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry attempts exhausted after %d: %v", e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// outcome описывает результат одной попытки.
type outcome struct {
	retryable  bool
	cause      error
	status     int
	reason     string
	snippet    string
	retryAfter time.Duration
	hasAfter   bool
}

// DoHTTP вызывает do, пока попытка не завершится успешно или неповторяемо.
// Неповторяемые ответы (включая 4xx) возвращаются как есть, без ошибки.
func DoHTTP(ctx context.Context, policy Policy, logger *slog.Logger, do func(ctx context.Context) (*http.Response, []byte, error)) (*http.Response, []byte, error) {
	policy = withDefaults(policy)
	start := policy.Now()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		resp, body, err := do(ctx)
		if err == nil && resp == nil {
			return nil, nil, errors.New("nil response from http client")
		}

		out := policy.inspect(ctx, resp, body, err)
		if !out.retryable {
			return resp, body, err
		}

		delay := policy.nextDelay(attempt, out.retryAfter, out.hasAfter)
		elapsed := policy.Now().Sub(start)
		if attempt >= policy.MaxAttempts || elapsed+delay > policy.MaxElapsed {
			return resp, body, &ExhaustedError{Cause: out.cause, Attempts: attempt}
		}

		logRetry(logger, policy.Name, attempt+1, policy.MaxAttempts, out, delay)
		if err := policy.Sleep(ctx, delay); err != nil {
			return nil, nil, err
		}
	}
}

func (p Policy) inspect(ctx context.Context, resp *http.Response, body []byte, err error) outcome {
	if err != nil {
		if !isRetryableNetErr(ctx, err) {
			return outcome{}
		}
		return outcome{retryable: true, cause: err, reason: reasonForNetErr(err)}
	}

	status := resp.StatusCode
	if !isRetryableStatus(status) {
		return outcome{}
	}
	snippet := bodySnippet(body, p.SnippetLimit)
	after, ok := parseRetryAfter(resp.Header, p.Now())
	return outcome{
		retryable:  true,
		cause:      &HTTPStatusError{StatusCode: status, BodySnippet: snippet},
		status:     status,
		reason:     reasonForStatus(status),
		snippet:    snippet,
		retryAfter: after,
		hasAfter:   ok,
	}
}

func withDefaults(p Policy) Policy {
	if p.Name == "" {
		p.Name = defaultName
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.MaxElapsed == 0 {
		p.MaxElapsed = defaultMaxElapsed
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = defaultJitterFraction
	}
	if p.SnippetLimit == 0 {
		p.SnippetLimit = defaultSnippetLimit
	}
	if p.Sleep == nil {
		p.Sleep = defaultSleep
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Rand == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		p.Rand = rng.Float64
	}
	return p
}

func (p Policy) backoffDelay(retryIndex int) time.Duration {
	if retryIndex < 1 {
		retryIndex = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retryIndex-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p Policy) jitterDelay(delay time.Duration) time.Duration {
	if delay <= 0 || p.JitterFraction <= 0 {
		return delay
	}
	factor := 1 + (p.Rand()*2-1)*p.JitterFraction
	adjusted := float64(delay) * factor
	if adjusted < 0 {
		adjusted = 0
	}
	return time.Duration(adjusted)
}

func (p Policy) nextDelay(retryIndex int, retryAfter time.Duration, usedRetryAfter bool) time.Duration {
	if usedRetryAfter {
		return min(retryAfter, p.MaxDelay)
	}
	return p.jitterDelay(p.backoffDelay(retryIndex))
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter понимает retry-after-ms (OpenAI) и стандартный Retry-After
// в секундах или HTTP-дате.
func parseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	if value := strings.TrimSpace(header.Get("Retry-After-Ms")); value != "" {
		if ms, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(math.Max(ms, 0) * float64(time.Millisecond)), true
		}
	}

	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second, true
	}
	if parsed, err := http.ParseTime(value); err == nil {
		return max(parsed.Sub(now), 0), true
	}
	return 0, false
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func reasonForStatus(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "rate limit"
	case http.StatusRequestTimeout:
		return "timeout"
	default:
		return "upstream 5xx"
	}
}

func isRetryableNetErr(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection reset")
}

func reasonForNetErr(err error) string {
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, syscall.ECONNRESET) || strings.Contains(strings.ToLower(err.Error()), "connection reset"):
		return "connection reset"
	case errors.Is(err, syscall.EPIPE):
		return "broken pipe"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network error"
}

func logRetry(logger *slog.Logger, name string, attempt, maxAttempts int, out outcome, delay time.Duration) {
	if logger == nil {
		return
	}
	args := []any{
		slog.String("request", name),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", maxAttempts),
		slog.String("reason", out.reason),
		slog.Duration("retry_in", delay),
		slog.Bool("retry_after_used", out.hasAfter),
	}
	if out.status > 0 {
		args = append(args, slog.Int("status", out.status))
	}
	if out.snippet != "" {
		args = append(args, slog.String("snippet", out.snippet))
	}
	logger.Warn("retrying "+name, args...)
}

func bodySnippet(body []byte, limit int) string {
	if len(body) == 0 || limit <= 0 {
		return ""
	}
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}
