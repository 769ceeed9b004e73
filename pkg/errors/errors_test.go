package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewConfigError("scanners must be a mapping")
	assert.Equal(t, "CONFIG_ERROR: scanners must be a mapping", err.Error())

	wrapped := NewInternalError("boom").WithCause(fmt.Errorf("disk full"))
	assert.Equal(t, "INTERNAL_ERROR: boom (caused by: disk full)", wrapped.Error())
}

func TestNewScanError(t *testing.T) {
	err := NewScanError("bandit", "exit code 2", "usage: bandit ...")

	assert.Equal(t, ErrorTypeScan, err.Type)
	assert.Equal(t, "bandit", err.Details["scanner"])
	assert.Equal(t, "usage: bandit ...", err.Details["stderr"])
	assert.Contains(t, err.Error(), "scanner bandit")

	noTail := NewScanError("semgrep", "failed", "")
	_, ok := noTail.Details["stderr"]
	assert.False(t, ok)
}

func TestIsType(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		errType  ErrorType
		expected bool
	}{
		{"nil", nil, ErrorTypeConfig, false},
		{"direct match", NewValidationError("bad"), ErrorTypeValidation, true},
		{"direct mismatch", NewValidationError("bad"), ErrorTypeConfig, false},
		{"conflict", NewConflictError("busy"), ErrorTypeConflict, true},
		{"conflict is not validation", NewConflictError("busy"), ErrorTypeValidation, false},
		{"wrapped with fmt", fmt.Errorf("ctx: %w", NewNotFoundError("snapshot")), ErrorTypeNotFound, true},
		{"cause chain", NewInternalError("outer").WithCause(NewConfigError("inner")), ErrorTypeConfig, true},
		{"plain error", stderrors.New("plain"), ErrorTypeInternal, false},
		{
			"multierror",
			multierror.Append(nil, stderrors.New("x"), NewScanError("grype", "failed", "")),
			ErrorTypeScan,
			true,
		},
		{"joined", stderrors.Join(stderrors.New("x"), NewConfigError("y")), ErrorTypeConfig, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsType(tt.err, tt.errType))
		})
	}
}

func TestGetCodeAndType(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewNotFoundError("snapshot"))
	assert.Equal(t, "NOT_FOUND", GetCode(err))
	assert.Equal(t, ErrorTypeNotFound, GetType(err))

	assert.Equal(t, "UNKNOWN_ERROR", GetCode(stderrors.New("x")))
	assert.Equal(t, ErrorTypeInternal, GetType(stderrors.New("x")))
}

func TestDetail(t *testing.T) {
	err := fmt.Errorf("job: %w", NewScanError("checkov", "crashed", "trace"))
	assert.Equal(t, "checkov", Detail(err, "scanner"))
	assert.Equal(t, "", Detail(stderrors.New("x"), "scanner"))
}
