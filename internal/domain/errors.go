package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Combine with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Orchestration errors.
var (
	ErrClassification      = fmt.Errorf("classification failed")
	ErrCapabilityTransient = fmt.Errorf("capability call failed (transient)")
	ErrCapabilityPermanent = fmt.Errorf("capability call failed (permanent)")
	ErrCapabilityForbidden = fmt.Errorf("capability group not in plan")
	ErrDelegation          = fmt.Errorf("delegation failed")
	ErrVersionConflict     = fmt.Errorf("version conflict")
	ErrDuplicateEvent      = fmt.Errorf("duplicate event")
	ErrDeliveryFailed      = fmt.Errorf("delivery failed")
	ErrTerminalStage       = fmt.Errorf("entity is in a terminal stage")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrMaxIterations       = fmt.Errorf("tool loop reached max iterations")

	// Inter-worker messaging.
	ErrAskCycle = fmt.Errorf("ask would form a cycle")
	ErrAskDepth = fmt.Errorf("ask chain too deep")

	// Resilience errors.
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrUpstream    = fmt.Errorf("upstream server error")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Workflow.Sweep")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workflow", "delegation"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
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
	return errors.Is(err, ErrCapabilityTransient) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrUpstream) ||
		errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeClassification      ErrorCode = "CLASSIFICATION"
	CodeCapabilityTransient ErrorCode = "CAPABILITY_TRANSIENT"
	CodeCapabilityPermanent ErrorCode = "CAPABILITY_PERMANENT"
	CodeCapabilityForbidden ErrorCode = "CAPABILITY_FORBIDDEN"
	CodeDelegation          ErrorCode = "DELEGATION"
	CodeVersionConflict     ErrorCode = "VERSION_CONFLICT"
	CodeDuplicateEvent      ErrorCode = "DUPLICATE_EVENT"
	CodeDeliveryFailed      ErrorCode = "DELIVERY_FAILED"
	CodeTerminalStage       ErrorCode = "TERMINAL_STAGE"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeMaxIterations       ErrorCode = "MAX_ITERATIONS"
	CodeAskCycle            ErrorCode = "ASK_CYCLE"
	CodeAskDepth            ErrorCode = "ASK_DEPTH"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeUpstream            ErrorCode = "UPSTREAM"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeLeadNotFound     ErrorCode = "LEAD_NOT_FOUND"
	CodeLeadDuplicate    ErrorCode = "LEAD_DUPLICATE"
	CodeLeadInvalid      ErrorCode = "LEAD_INVALID"
	CodeWorkerNotFound   ErrorCode = "WORKER_NOT_FOUND"
	CodeWorkerDuplicate  ErrorCode = "WORKER_DUPLICATE"
	CodeWorkerTimeout    ErrorCode = "WORKER_TIMEOUT"
	CodeProfileNotFound  ErrorCode = "PROFILE_NOT_FOUND"
	CodeSubordinateLimit ErrorCode = "SUBORDINATE_LIMIT"
	CodeGroupNotFound    ErrorCode = "CAPABILITY_GROUP_NOT_FOUND"

	// Category error codes. Fallback when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrClassification:      CodeClassification,
	ErrCapabilityTransient: CodeCapabilityTransient,
	ErrCapabilityPermanent: CodeCapabilityPermanent,
	ErrCapabilityForbidden: CodeCapabilityForbidden,
	ErrDelegation:          CodeDelegation,
	ErrVersionConflict:     CodeVersionConflict,
	ErrDuplicateEvent:      CodeDuplicateEvent,
	ErrDeliveryFailed:      CodeDeliveryFailed,
	ErrTerminalStage:       CodeTerminalStage,
	ErrConfigLoad:          CodeConfigLoad,
	ErrMaxIterations:       CodeMaxIterations,
	ErrAskCycle:            CodeAskCycle,
	ErrAskDepth:            CodeAskDepth,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrUpstream:            CodeUpstream,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"workflow":   CodeLeadNotFound,
		"bus":        CodeWorkerNotFound,
		"delegation": CodeProfileNotFound,
		"capability": CodeGroupNotFound,
	},
	ErrDuplicate: {
		"workflow": CodeLeadDuplicate,
		"bus":      CodeWorkerDuplicate,
	},
	ErrTimeout: {
		"bus": CodeWorkerTimeout,
	},
	ErrLimitReached: {
		"delegation": CodeSubordinateLimit,
	},
	ErrInvalidInput: {
		"workflow": CodeLeadInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Subsystem-tagged DomainErrors resolve through subSystemCodeMap first.
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
		if code := de.Code(); code != CodeUnknown {
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
