package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTelemetryErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"caller", CallerError("record", "missing session"), ErrInvalidInput, true},
		{"transport", WrapTransportError("send_batch", "sink", errors.New("refused")), ErrTransport, true},
		{"config", WrapConfigError("load_flags", "file", errors.New("cycle")), ErrConfiguration, true},
		{"dispatch", WrapDispatchError("notify", "email", errors.New("smtp")), ErrDispatch, true},
		{"mismatch", WrapTransportError("send_batch", "sink", errors.New("refused")), ErrInvalidInput, false},
		{"wrapped", fmt.Errorf("outer: %w", CallerError("record", "bad")), ErrInvalidInput, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestStatusErrorRetryable(t *testing.T) {
	err := WrapStatusError("send_batch", "http://sink", 503)
	assert.True(t, IsRetryableError(err))
	assert.Equal(t, 503, StatusCode(err))

	err = WrapStatusError("send_batch", "http://sink", 400)
	assert.False(t, IsRetryableError(err))
	assert.Contains(t, err.Error(), "send_batch failed on http://sink")
}

func TestIsCallerError(t *testing.T) {
	assert.True(t, IsCallerError(CallerError("record_usage", "model is required")))
	assert.False(t, IsCallerError(errors.New("plain")))
	assert.Equal(t, 0, StatusCode(errors.New("plain")))
}
