package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/spherical/pdf2deck/internal/domain"
)

const (
	maxAttempts    = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// ErrUnusableReply marks a capability reply that will not improve on retry.
var ErrUnusableReply = errors.New("unusable capability reply")

// RetryPolicy is the single retry/backoff policy shared by every capability
// client. A nil Limiter disables request pacing.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Limiter        *rate.Limiter
}

// DefaultRetryPolicy returns the default retry configuration
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
	}
}

// NewLimiter returns a limiter allowing rpm requests per minute, or nil
// when rpm is not positive.
func NewLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

// shouldRetry determines if a status code is retryable
func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests: // 429
		return true
	case http.StatusInternalServerError: // 500
		return true
	case http.StatusBadGateway: // 502
		return true
	case http.StatusServiceUnavailable: // 503
		return true
	case http.StatusGatewayTimeout: // 504
		return true
	default:
		return false
	}
}

// Retryable classifies err as transient (retry) or permanent (fall back now)
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrUnusableReply) || errors.Is(err, domain.ErrUnusableImage) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return shouldRetry(apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		// Status 0 means the request never got a response.
		return reqErr.HTTPStatusCode == 0 || shouldRetry(reqErr.HTTPStatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var de *domain.DomainError
	if errors.As(err, &de) {
		return de.Type == domain.ErrorTypeCapability || de.Type == domain.ErrorTypeIO
	}

	return true
}

// calculateBackoff calculates exponential backoff duration
func calculateBackoff(attempt int, policy RetryPolicy) time.Duration {
	backoff := float64(policy.InitialBackoff) * math.Pow(2, float64(attempt))

	if backoff > float64(policy.MaxBackoff) {
		backoff = float64(policy.MaxBackoff)
	}

	return time.Duration(backoff)
}

// Do runs op until it succeeds, fails permanently, or attempts run out
func (p RetryPolicy) Do(ctx context.Context, logger *domain.Logger, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = domain.DefaultLogger
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.CapabilityError("request cancelled", err)
		}

		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return domain.CapabilityError("rate limiter wait", err)
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return domain.CapabilityError("request failed permanently", err)
		}

		// Don't wait after last attempt
		if attempt == attempts-1 {
			break
		}

		backoff := calculateBackoff(attempt, p)
		logger.Warn("request failed (attempt %d/%d), retrying in %v: %v", attempt+1, attempts, backoff, err)

		select {
		case <-ctx.Done():
			return domain.CapabilityError("request cancelled during backoff", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return domain.CapabilityError(fmt.Sprintf("request failed after %d attempts", attempts), lastErr)
}
