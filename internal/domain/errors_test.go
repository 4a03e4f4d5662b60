package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrToolNotFound, "tool 'foo'")
	want := "Registry.Get: tool 'foo': tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Session.Run", ErrMaxIterations, "")
	want := "Session.Run: session reached max iterations"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Accumulator.Drain", ErrToolArguments, "position 0")
	if !errors.Is(err, ErrToolArguments) {
		t.Error("errors.Is should match ErrToolArguments")
	}
}

func TestWrapOpNil(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Error("WrapOp(nil) should be nil")
	}
	err := WrapOp("pump", ErrTransport)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "pump: transport failure", err.Error())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("x: %w", ErrRateLimit)))
	assert.True(t, IsRetryableError(ErrCircuitOpen))
	assert.True(t, IsRetryableError(WrapOp("read", ErrTransport)))
	assert.True(t, IsRetryableError(fmt.Errorf("x: %w", ErrProviderError)))
	assert.False(t, IsRetryableError(ErrAuthInvalid))
}

func TestErrorCodeOf(t *testing.T) {
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeMalformedRecord, ErrorCodeOf(NewDomainError("Decode", ErrMalformedRecord, "x")))
	assert.Equal(t, CodeTransport, ErrorCodeOf(fmt.Errorf("ctx: %w", ErrTransport)))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainErrorCode(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrProviderNotFound, "groq")
	assert.Equal(t, CodeProviderNotFound, err.Code())

	custom := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, custom.Code())
}

func TestBackendValid(t *testing.T) {
	for _, b := range []Backend{BackendOllama, BackendAnthropic, BackendOpenAI, BackendOpenRouter} {
		assert.True(t, b.Valid(), b)
	}
	assert.False(t, Backend("gemini").Valid())
}

func TestStreamEventTerminal(t *testing.T) {
	assert.False(t, StreamEvent{Content: "hi"}.Terminal())
	assert.True(t, StreamEvent{Done: true}.Terminal())
	assert.True(t, StreamEvent{Err: ErrTransport}.Terminal())
}
