package errors

import (
	"database/sql"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicatesFollowWrapChain(t *testing.T) {
	err := fmt.Errorf("update schedule: %w", NewConflict("schedule was modified concurrently", nil))

	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, ErrConflict, CodeOf(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", NewValidation("title is required", nil), http.StatusBadRequest},
		{"forbidden", NewForbidden("cannot manage email schedules"), http.StatusForbidden},
		{"not found", NewNotFound("schedule", sql.ErrNoRows), http.StatusNotFound},
		{"conflict", NewConflict("stale version", nil), http.StatusConflict},
		{"persistence", NewPersistence("list schedules", fmt.Errorf("connection refused")), http.StatusServiceUnavailable},
		{"unauthorized", Unauthorized(nil), http.StatusUnauthorized},
		{"plain error", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := NewPersistence("claim schedule", fmt.Errorf("connection reset"))
	assert.Equal(t, "failed to claim schedule: connection reset", err.Error())
	assert.ErrorIs(t, NewNotFound("schedule", sql.ErrNoRows), sql.ErrNoRows)
}
