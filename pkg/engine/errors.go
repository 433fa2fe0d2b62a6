package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and escalation logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, rate limiting, a flaky sandbox command.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that retrying the same call will not fix.
	// Examples: invalid credentials, exhausted quota, a response that violates its schema.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassDomain indicates the generated change itself is wrong.
	// Examples: failing tests, a negative AI evaluation, a merge policy denial.
	ErrorClassDomain ErrorClass = "domain"

	// ErrorClassFatal indicates a programming or contract error inside the engine.
	// The workflow is failed immediately.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassConflict indicates an optimistic locking failure on the store.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassUnknown indicates an unclassified failure.
	ErrorClassUnknown ErrorClass = "unknown"
)

// ErrorKind is the concrete failure reason recorded on stage outcomes and failed workflows.
type ErrorKind string

const (
	ErrorKindNetworkTimeout     ErrorKind = "NetworkTimeout"
	ErrorKindRateLimited        ErrorKind = "RateLimited"
	ErrorKindServiceUnavailable ErrorKind = "ServiceUnavailable"
	ErrorKindNonZeroExit        ErrorKind = "NonZeroExit"

	ErrorKindAuthInvalid    ErrorKind = "AuthInvalid"
	ErrorKindQuotaExhausted ErrorKind = "QuotaExhausted"
	ErrorKindSchemaMismatch ErrorKind = "SchemaMismatch"
	// ErrorKindBadRequest is a 4xx answer from a collaborator with no more specific kind.
	ErrorKindBadRequest ErrorKind = "BadRequest"

	ErrorKindTestsFailed      ErrorKind = "TestsFailed"
	ErrorKindEvaluationFailed ErrorKind = "EvaluationFailed"
	ErrorKindGenerationFailed ErrorKind = "GenerationFailed"
	ErrorKindPolicyDenied     ErrorKind = "PolicyDenied"

	ErrorKindIllegalTransition  ErrorKind = "IllegalTransition"
	ErrorKindContextCorrupted   ErrorKind = "ContextCorrupted"
	ErrorKindStageNotRegistered ErrorKind = "StageNotRegistered"

	// ErrorKindStageTimeout is recorded when a workflow stays in one state past its deadline.
	ErrorKindStageTimeout ErrorKind = "StageTimeout"

	// ErrorKindIterationCapExceeded is recorded when validation keeps sending the
	// workflow back to coding after the global iteration cap is reached.
	ErrorKindIterationCapExceeded ErrorKind = "IterationCapExceeded"

	ErrorKindVersionConflict ErrorKind = "VersionConflict"
	ErrorKindUnknown         ErrorKind = "Unknown"
)

// Class returns the fixed class of the kind.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case ErrorKindNetworkTimeout, ErrorKindRateLimited, ErrorKindServiceUnavailable, ErrorKindNonZeroExit:
		return ErrorClassTransient
	case ErrorKindAuthInvalid, ErrorKindQuotaExhausted, ErrorKindSchemaMismatch, ErrorKindBadRequest,
		ErrorKindStageTimeout, ErrorKindIterationCapExceeded:
		return ErrorClassPermanent
	case ErrorKindTestsFailed, ErrorKindEvaluationFailed, ErrorKindGenerationFailed, ErrorKindPolicyDenied:
		return ErrorClassDomain
	case ErrorKindIllegalTransition, ErrorKindContextCorrupted, ErrorKindStageNotRegistered:
		return ErrorClassFatal
	case ErrorKindVersionConflict:
		return ErrorClassConflict
	default:
		return ErrorClassUnknown
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind is the concrete failure reason.
	Kind ErrorKind `json:"kind,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// WorkflowID is the workflow that caused the error, if applicable.
	WorkflowID string `json:"workflow_id,omitempty"`

	// Stage is the stage being executed when the error occurred.
	Stage StageName `json:"stage,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	label := string(e.Class)
	if e.Kind != "" {
		label = fmt.Sprintf("%s/%s", e.Class, e.Kind)
	}
	msg := e.Message
	if e.WorkflowID != "" && e.Stage != "" {
		msg = fmt.Sprintf("%s (workflow=%s, stage=%s)", msg, e.WorkflowID, e.Stage)
	} else if e.WorkflowID != "" {
		msg = fmt.Sprintf("%s (workflow=%s)", msg, e.WorkflowID)
	} else if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage=%s)", msg, e.Stage)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", label, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", label, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewError creates an error whose class is derived from kind.
func NewError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Class:   kind.Class(),
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Kind: kind, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Kind: kind, Message: message, Err: err}
}

// NewDomainError creates a new domain error.
func NewDomainError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassDomain, Kind: kind, Message: message, Err: err}
}

// NewFatalError creates a new fatal error.
func NewFatalError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassFatal, Kind: kind, Message: message, Err: err}
}

// WithWorkflow adds workflow context to an error.
func (e *EngineError) WithWorkflow(id string) *EngineError {
	e.WorkflowID = id
	return e
}

// WithStage adds stage context to an error.
func (e *EngineError) WithStage(stage StageName) *EngineError {
	e.Stage = stage
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsDomain returns true if the error is classified as a domain failure.
func IsDomain(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassDomain
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassFatal
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// KindOf extracts the error kind from err, or ErrorKindUnknown.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return ErrorKindUnknown
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeVersionConflict   = "VERSION_CONFLICT"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeUnexpectedEvent   = "UNEXPECTED_EVENT"
	ErrCodeUnknownEvent      = "UNKNOWN_EVENT"
	ErrCodeStopped           = "ENGINE_STOPPED"
)

// Sentinel errors. Compare with errors.Is.
var (
	ErrVersionConflict = &EngineError{Class: ErrorClassConflict, Kind: ErrorKindVersionConflict,
		Code: ErrCodeVersionConflict, Message: "workflow version conflict"}
	ErrWorkflowNotFound = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound,
		Message: "workflow not found"}
	ErrIllegalTransition = &EngineError{Class: ErrorClassFatal, Kind: ErrorKindIllegalTransition,
		Code: ErrCodeIllegalTransition, Message: "illegal state transition"}
	ErrUnexpectedEvent = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnexpectedEvent,
		Message: "event does not apply to the workflow's current state"}
	ErrUnknownEvent = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownEvent,
		Message: "unknown external event"}
	ErrInvalidInput = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation,
		Message: "invalid input"}
	ErrEngineStopped = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStopped,
		Message: "engine is stopped"}
)

// IllegalTransitionError is returned when a transition is not in the state table
// or the workflow is already terminal.
type IllegalTransitionError struct {
	WorkflowID string
	From       WorkflowState
	To         WorkflowState
}

func (e *IllegalTransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("illegal transition %s -> %s for workflow %s: state is terminal", e.From, e.To, e.WorkflowID)
	}
	return fmt.Sprintf("illegal transition %s -> %s for workflow %s", e.From, e.To, e.WorkflowID)
}

// Is makes IllegalTransitionError match ErrIllegalTransition.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// invalidInput wraps a validation message in ErrInvalidInput.
func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
