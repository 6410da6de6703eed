package director

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("director closed")
	// ErrInvalidWorkflow is returned when a workflow definition fails
	// validation.
	ErrInvalidWorkflow = errors.New("invalid workflow")
)

// ErrorCode classifies an orchestration failure.
type ErrorCode string

const (
	CodeMaxSessionsExceeded ErrorCode = "MAX_SESSIONS_EXCEEDED"
	CodeWorkflowNotFound    ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeStepHandlerNotFound ErrorCode = "STEP_HANDLER_NOT_FOUND"
	CodeDependencyNotMet    ErrorCode = "DEPENDENCY_NOT_MET"
	CodeInvalidState        ErrorCode = "INVALID_WORKFLOW_STATE"
	CodeRollbackDisabled    ErrorCode = "ROLLBACK_DISABLED"
	CodeStepTimeout         ErrorCode = "STEP_TIMEOUT"
	CodeStepFailed          ErrorCode = "STEP_FAILED"
	CodeGateFailed          ErrorCode = "GATE_FAILED"
)

// Severity levels for orchestration errors.
const (
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// errorTraits fixes the severity and default retryability per code.
var errorTraits = map[ErrorCode]struct {
	severity  string
	retryable bool
}{
	CodeMaxSessionsExceeded: {SeverityWarning, true},
	CodeWorkflowNotFound:    {SeverityError, false},
	CodeStepHandlerNotFound: {SeverityCritical, false},
	CodeDependencyNotMet:    {SeverityError, true},
	CodeInvalidState:        {SeverityError, false},
	CodeRollbackDisabled:    {SeverityError, false},
	CodeStepTimeout:         {SeverityWarning, true},
	CodeStepFailed:          {SeverityError, true},
	CodeGateFailed:          {SeverityError, true},
}

// OrchestrationError is a classified workflow failure. Retryable controls
// whether the runner reschedules the step or fails the workflow outright.
type OrchestrationError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Retryable bool      `json:"retryable"`
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// orchErr builds an OrchestrationError with the code's default traits.
func orchErr(code ErrorCode, format string, args ...any) *OrchestrationError {
	traits := errorTraits[code]
	return &OrchestrationError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Severity:  traits.severity,
		Retryable: traits.retryable,
	}
}

// terminal strips retryability from an error, for failures that policy
// forbids retrying regardless of the code's default.
func terminal(e *OrchestrationError) *OrchestrationError {
	e.Retryable = false
	return e
}

// CodeOf extracts the orchestration code from an error chain, or "".
func CodeOf(err error) ErrorCode {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// retryable reports whether the runner may reschedule after err. Failures
// that carry no classification default to retryable.
func retryable(err error) bool {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return true
}
