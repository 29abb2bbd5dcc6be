package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := Forbidden("students cannot issue commands")
	assert.Equal(t, "FORBIDDEN: students cannot issue commands", err.Error())

	withCause := Internal("settings broadcast failed").WithCause(io.ErrClosedPipe)
	assert.Contains(t, withCause.Error(), "INTERNAL")
	assert.Contains(t, withCause.Error(), io.ErrClosedPipe.Error())
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	err := SessionNotFound("ABC123")
	assert.True(t, errors.Is(err, SessionNotFound("XYZ789")))
	assert.False(t, errors.Is(err, SessionEnded("ABC123")))
}

func TestAppError_IsThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", RateLimited())
	assert.True(t, errors.Is(wrapped, RateLimited()))
}

func TestAppError_WithCause(t *testing.T) {
	base := BadCommand("unknown kind")
	caused := base.WithCause(io.EOF)

	assert.Equal(t, base.Code, caused.Code)
	assert.Equal(t, base.Message, caused.Message)
	assert.Equal(t, io.EOF, errors.Unwrap(caused))
	// The original must not be mutated.
	assert.Nil(t, errors.Unwrap(base))
}

func TestAsAppError(t *testing.T) {
	appErr, ok := AsAppError(Unauthenticated("bad token"))
	require.True(t, ok)
	assert.Equal(t, CodeUnauthenticated, appErr.Code)

	_, ok = AsAppError(io.EOF)
	assert.False(t, ok)

	wrapped := fmt.Errorf("handler: %w", SessionFull("ABC123"))
	appErr, ok = AsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeSessionFull, appErr.Code)
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, CodeForbidden, GetCode(Forbidden("nope")))
	assert.Equal(t, CodeInternal, GetCode(io.EOF))
	assert.Equal(t, CodeInternal, GetCode(nil))
}
