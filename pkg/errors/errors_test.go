package errors

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without underlying error",
			err:      New(CodeInvalidArgument, "lengths differ"),
			expected: "[INVALID_ARGUMENT] lengths differ",
		},
		{
			name:     "with underlying error",
			err:      Wrap(CodeTransportError, "send failed", errors.New("connection reset")),
			expected: "[TRANSPORT_ERROR] send failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeTransportError, "exchange failed", underlying)

	assert.Equal(t, underlying, err.Unwrap())
}

func TestAppError_Is(t *testing.T) {
	err1 := New(CodeInvalidArgument, "error 1")
	err2 := New(CodeInvalidArgument, "error 2")
	err3 := New(CodeTransportError, "error 3")

	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, err3))
}

func TestTrace_AppendsFrames(t *testing.T) {
	err := New(CodeConsistencyError, "lpoint out of sync")

	traced := Trace(err)
	traced = TraceNote(traced, "level=%d", 3)

	var app *AppError
	require.ErrorAs(t, traced, &app)
	require.Len(t, app.Frames, 2)

	assert.Equal(t, "errors_test.go", app.Frames[0].File)
	assert.Equal(t, "level=3", app.Frames[1].Note)
	assert.Contains(t, traced.Error(), "at errors_test.go")
}

func TestTrace_WrapsForeignErrors(t *testing.T) {
	traced := Trace(errors.New("plain"))

	var app *AppError
	require.ErrorAs(t, traced, &app)
	assert.Equal(t, CodeUnknown, app.Code)
	assert.Len(t, app.Frames, 1)
}

func TestTrace_NilStaysNil(t *testing.T) {
	assert.NoError(t, Trace(nil))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, CodeResourceExhausted, GetErrorCode(New(CodeResourceExhausted, "oom")))
	assert.Equal(t, CodeUnknown, GetErrorCode(errors.New("plain")))
}

func TestErrorRendersFrameChain(t *testing.T) {
	err := Trace(Trace(New(CodeInvalidArgument, "bad rank")))
	lines := strings.Split(err.Error(), "\n")
	assert.Len(t, lines, 3)
}
