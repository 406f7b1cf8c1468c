package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("queue name is required", "delay_ms must be >= 0")

	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "queue name is required; delay_ms must be >= 0")

	var vErr *ValidationError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &vErr))
	assert.Len(t, vErr.Problems, 2)
}

func TestHandlerError(t *testing.T) {
	cause := errors.New("upstream 502")
	err := NewHandlerError(cause)

	assert.ErrorIs(t, err, ErrHandlerFailure)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "upstream 502", err.Error())
	assert.NoError(t, NewHandlerError(nil))
}

func TestTransitionError(t *testing.T) {
	err := TransitionError("abc", StateCompleted, "complete")

	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "cannot complete job abc in state completed")
}

func TestState(t *testing.T) {
	tests := []struct {
		state    State
		valid    bool
		terminal bool
	}{
		{StateQueued, true, false},
		{StateDelayed, true, false},
		{StateActive, true, false},
		{StateRetrying, true, false},
		{StateCompleted, true, true},
		{StateFailed, true, true},
		{StateDead, true, true},
		{State("paused"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.state.Valid())
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}
