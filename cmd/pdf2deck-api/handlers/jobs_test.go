package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spherical/pdf2deck/internal/domain"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing job", domain.NewError(domain.ErrorTypeValidation, "job x", domain.ErrJobNotFound), http.StatusNotFound},
		{"wrapped missing job", fmt.Errorf("lookup: %w", domain.ErrJobNotFound), http.StatusNotFound},
		{"illegal transition", domain.ValidationError("busy", domain.ErrInvalidTransition), http.StatusConflict},
		{"validation", domain.ValidationError("bad pages", nil), http.StatusBadRequest},
		{"unreadable source", domain.ConversionError("not a PDF", nil), http.StatusUnprocessableEntity},
		{"missing capability", domain.ConfigError("no api key", nil), http.StatusServiceUnavailable},
		{"timeout", domain.TimeoutError(domain.NoPage, "waiting", nil), http.StatusGatewayTimeout},
		{"assembly", domain.AssemblyError("zip failed", nil), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestFormBool(t *testing.T) {
	assert.True(t, formBool("true", false))
	assert.False(t, formBool("0", true))
	assert.True(t, formBool("", true))
	assert.False(t, formBool("maybe", false))
}
