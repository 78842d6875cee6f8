package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf2deck/internal/domain"
)

func TestShouldRetry(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, shouldRetry(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, shouldRetry(code), "status %d", code)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, false},
		{"wrapped 503", fmt.Errorf("call: %w", &openai.APIError{HTTPStatusCode: 503}), true},
		{"no response", &openai.RequestError{Err: errors.New("connection reset")}, true},
		{"unusable reply", fmt.Errorf("x: %w", ErrUnusableReply), false},
		{"unusable image", domain.ErrUnusableImage, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"validation", domain.ValidationError("bad", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, calculateBackoff(0, p))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, p))
	assert.Equal(t, 4*time.Second, calculateBackoff(2, p))
	assert.Equal(t, 5*time.Second, calculateBackoff(3, p))
}

func TestRetryPolicy_Do(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	logger := domain.NewNopLogger()

	t.Run("succeeds after transient errors", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), logger, func(context.Context) error {
			calls++
			if calls < 3 {
				return &openai.APIError{HTTPStatusCode: 502}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), logger, func(context.Context) error {
			calls++
			return &openai.APIError{HTTPStatusCode: 500}
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, domain.ErrorTypeCapability, domain.ErrorTypeOf(err))
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), logger, func(context.Context) error {
			calls++
			return &openai.APIError{HTTPStatusCode: 400}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := p.Do(ctx, logger, func(context.Context) error {
			calls++
			return nil
		})
		require.Error(t, err)
		assert.Equal(t, 0, calls)
	})
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0))
	l := NewLimiter(120)
	require.NotNil(t, l)
	assert.InDelta(t, 2.0, float64(l.Limit()), 0.001)
}
