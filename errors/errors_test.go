package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Conn", "Send", "write frame")
	require.Error(t, err)
	assert.Equal(t, "Conn.Send: write frame failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "Conn", "Send", "write frame"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := stderrors.New("boom")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(base, "Comp", "Method", "action")
			require.Error(t, err)

			var ce *ClassifiedError
			require.True(t, stderrors.As(err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Comp", ce.Component)
			assert.True(t, stderrors.Is(err, base))

			assert.NoError(t, tt.wrap(nil, "Comp", "Method", "action"))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrConnectionLost))
	assert.True(t, IsTransient(ErrNotReady))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("dial tcp: i/o timeout")))
	assert.False(t, IsTransient(ErrInvalidConfig))
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrMissingField))
	assert.True(t, IsInvalid(ErrDecodingFailed))
	assert.True(t, IsInvalid(WrapInvalid(stderrors.New("bad"), "Codec", "Decode", "unmarshal")))
	assert.False(t, IsInvalid(ErrConnectionLost))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(nil))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrMissingField))
	// Unknown errors default to transient so callers may retry
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("mystery")))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
