package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
	ErrTimeout       = fmt.Errorf("operation timed out")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound   = fmt.Errorf("llm provider not found")
	ErrProviderDuplicate  = fmt.Errorf("llm provider already registered")
	ErrUnsupportedBackend = fmt.Errorf("unsupported backend")
	ErrToolNotFound       = fmt.Errorf("tool not found")
	ErrToolDuplicate      = fmt.Errorf("tool already registered")
	ErrMaxIterations      = fmt.Errorf("session reached max iterations")
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")

	// Stream errors.
	ErrMalformedRecord = fmt.Errorf("malformed wire record")
	ErrUpstreamEvent   = fmt.Errorf("upstream reported an error event")
	ErrToolArguments   = fmt.Errorf("tool arguments did not parse")
	ErrTransport       = fmt.Errorf("transport failure")
	ErrStreamEmpty     = fmt.Errorf("stream closed without events")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrCircuitOpen     = fmt.Errorf("circuit breaker open")
	ErrToolFailure     = fmt.Errorf("tool execution failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Accumulator.Drain")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrProviderError) ||
		errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeProviderDuplicate  ErrorCode = "PROVIDER_DUPLICATE"
	CodeUnsupportedBackend ErrorCode = "UNSUPPORTED_BACKEND"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolDuplicate      ErrorCode = "TOOL_DUPLICATE"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeMalformedRecord    ErrorCode = "MALFORMED_RECORD"
	CodeUpstreamEvent      ErrorCode = "UPSTREAM_EVENT"
	CodeToolArguments      ErrorCode = "TOOL_ARGUMENTS"
	CodeTransport          ErrorCode = "TRANSPORT"
	CodeStreamEmpty        ErrorCode = "STREAM_EMPTY"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:           CodeNotFound,
	ErrInvalidInput:       CodeInvalidInput,
	ErrProviderError:      CodeProviderError,
	ErrTimeout:            CodeTimeout,
	ErrProviderNotFound:   CodeProviderNotFound,
	ErrProviderDuplicate:  CodeProviderDuplicate,
	ErrUnsupportedBackend: CodeUnsupportedBackend,
	ErrToolNotFound:       CodeToolNotFound,
	ErrToolDuplicate:      CodeToolDuplicate,
	ErrMaxIterations:      CodeMaxIterations,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrMalformedRecord:    CodeMalformedRecord,
	ErrUpstreamEvent:      CodeUpstreamEvent,
	ErrToolArguments:      CodeToolArguments,
	ErrTransport:          CodeTransport,
	ErrStreamEmpty:        CodeStreamEmpty,
	ErrContextOverflow:    CodeContextOverflow,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrCircuitOpen:        CodeCircuitOpen,
	ErrToolFailure:        CodeToolFailure,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
