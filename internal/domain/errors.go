package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the multiplexer.
var (
	// Initialization.
	ErrInvalidStateName   = fmt.Errorf("invalid state name: %w", ErrInvalidInput)
	ErrNoStates           = fmt.Errorf("no states found")
	ErrDefaultNotFound    = fmt.Errorf("default state not found")
	ErrAlreadyInitialized = fmt.Errorf("multiplexer already initialized")
	ErrNotInitialized     = fmt.Errorf("multiplexer not initialized")

	// Switching.
	ErrUnknownState  = fmt.Errorf("no such state")
	ErrOverlayFailed = fmt.Errorf("overlay operation failed")
	ErrClosed        = fmt.Errorf("multiplexer closed")

	// Engines.
	ErrFragmentKind   = fmt.Errorf("fragment kind not supported by engine: %w", ErrInvalidInput)
	ErrUnknownSession = fmt.Errorf("unknown overlay session")
	ErrEngineOpen     = fmt.Errorf("overlay engine circuit open")

	// Config / transport.
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrEncryption        = fmt.Errorf("encryption operation failed")
	ErrJournalWrite      = fmt.Errorf("journal write failed")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Mux.SwitchTo")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "mux", "engine"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// OverlayError reports a failed activate or deactivate call on the overlay
// engine. The engine's error is kept verbatim; errors.Is matches both
// ErrOverlayFailed and the engine error.
type OverlayError struct {
	Op    string // "activate" or "deactivate"
	State string // state being activated or deactivated
	Err   error  // error returned by the engine
}

func (e *OverlayError) Error() string {
	return fmt.Sprintf("%s %q: %s: %v", e.Op, e.State, ErrOverlayFailed, e.Err)
}

func (e *OverlayError) Unwrap() []error { return []error{ErrOverlayFailed, e.Err} }

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeInvalidStateName   ErrorCode = "INVALID_STATE_NAME"
	CodeNoStates           ErrorCode = "NO_STATES"
	CodeDefaultNotFound    ErrorCode = "DEFAULT_NOT_FOUND"
	CodeAlreadyInitialized ErrorCode = "ALREADY_INITIALIZED"
	CodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	CodeUnknownState       ErrorCode = "UNKNOWN_STATE"
	CodeOverlayFailed      ErrorCode = "OVERLAY_FAILED"
	CodeClosed             ErrorCode = "CLOSED"
	CodeFragmentKind       ErrorCode = "FRAGMENT_KIND"
	CodeUnknownSession     ErrorCode = "UNKNOWN_SESSION"
	CodeEngineOpen         ErrorCode = "ENGINE_CIRCUIT_OPEN"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeJournalWrite       ErrorCode = "JOURNAL_WRITE"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeJournalNotFound  ErrorCode = "JOURNAL_NOT_FOUND"
	CodeSourceNotFound   ErrorCode = "SOURCE_NOT_FOUND"
	CodeSourceInvalid    ErrorCode = "SOURCE_INVALID"
	CodeScheduleInvalid  ErrorCode = "SCHEDULE_INVALID"
	CodeScheduleNotFound ErrorCode = "SCHEDULE_NOT_FOUND"

	// Category error codes: fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,

	ErrInvalidStateName:   CodeInvalidStateName,
	ErrNoStates:           CodeNoStates,
	ErrDefaultNotFound:    CodeDefaultNotFound,
	ErrAlreadyInitialized: CodeAlreadyInitialized,
	ErrNotInitialized:     CodeNotInitialized,
	ErrUnknownState:       CodeUnknownState,
	ErrOverlayFailed:      CodeOverlayFailed,
	ErrClosed:             CodeClosed,
	ErrFragmentKind:       CodeFragmentKind,
	ErrUnknownSession:     CodeUnknownSession,
	ErrEngineOpen:         CodeEngineOpen,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrEncryption:         CodeEncryption,
	ErrJournalWrite:       CodeJournalWrite,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrGatewayAuthFailed:  CodeGatewayAuth,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
	ErrRateLimit:          CodeRateLimit,
}

// codePriority lists sentinels checked when walking a wrapped chain. More
// specific sentinels come before the categories they wrap, and
// ErrOverlayFailed comes before anything an engine might return.
var codePriority = []error{
	ErrOverlayFailed,
	ErrEngineOpen,
	ErrInvalidStateName,
	ErrFragmentKind,
	ErrGatewayAuthFailed,
	ErrNoStates,
	ErrDefaultNotFound,
	ErrAlreadyInitialized,
	ErrNotInitialized,
	ErrUnknownState,
	ErrClosed,
	ErrUnknownSession,
	ErrDecryption,
	ErrEncryption,
	ErrConfigLoad,
	ErrJournalWrite,
	ErrAuthInvalid,
	ErrRPCMethodNotFound,
	ErrRPCInvalidPayload,
	ErrRateLimit,
	ErrNotFound,
	ErrDuplicate,
	ErrPermissionDenied,
	ErrDisabled,
	ErrInvalidInput,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"journal":  CodeJournalNotFound,
		"source":   CodeSourceNotFound,
		"schedule": CodeScheduleNotFound,
	},
	ErrInvalidInput: {
		"source":   CodeSourceInvalid,
		"schedule": CodeScheduleInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
