package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorFormatting(t *testing.T) {
	err := NewExecutionError("command failed", errors.New("exit status 1")).
		WithHost("web1").
		WithOperation("Deploy | server.shell")

	assert.Equal(t, "[execution] command failed (host=web1, operation=Deploy | server.shell): exit status 1", err.Error())
	assert.Equal(t, "[usage] bad call", NewUsageError("bad call", nil).Error())
	assert.Equal(t, "[planning] no package (host=db1)", NewPlanningError("no package", nil).WithHost("db1").Error())
}

func TestEngineErrorMatching(t *testing.T) {
	wrapped := NewCancelledError("run cancelled", context.Canceled)

	assert.ErrorIs(t, wrapped, context.Canceled)
	assert.ErrorIs(t, wrapped, &EngineError{Class: ErrorClassCancelled})
	assert.ErrorIs(t, wrapped, &EngineError{Class: ErrorClassCancelled, Code: ErrCodeCancelled})
	assert.NotErrorIs(t, wrapped, &EngineError{Class: ErrorClassCancelled, Code: ErrCodeTimeout})
	assert.NotErrorIs(t, wrapped, &EngineError{Class: ErrorClassUsage})
}

func TestErrorClassHelpers(t *testing.T) {
	tests := []struct {
		err        error
		usage      bool
		breaker    bool
		cancelled  bool
		hostScoped bool
	}{
		{NewConnectionError("refused", nil), false, false, false, true},
		{NewFactError("bad output", nil), false, false, false, true},
		{NewPlanningError("bad args", nil), false, false, false, true},
		{NewExecutionError("exit 1", nil), false, false, false, true},
		{NewUsageError("nested", ErrNestedOperation), true, false, false, false},
		{NewCircuitBreakerError("too many", ErrNoHostsRemaining), false, true, false, false},
		{NewCancelledError("stop", context.Canceled), false, false, true, false},
		{errors.New("plain"), false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.usage, IsUsage(tt.err))
			assert.Equal(t, tt.breaker, IsCircuitBreaker(tt.err))
			assert.Equal(t, tt.cancelled, IsCancelled(tt.err))
			assert.Equal(t, tt.hostScoped, IsHostScoped(tt.err))
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := NewExecutionError("failed", nil).WithDetail("exit_code", 2).WithDetail("command", "false")
	assert.Equal(t, map[string]interface{}{"exit_code": 2, "command": "false"}, err.Details)
}
