// File: internal/action/result.go
package action

import (
	"errors"
	"strings"

	"github.com/xkilldash9x/sightline/internal/device"
	"github.com/xkilldash9x/sightline/internal/screen"
)

// ErrorCode classifies a failed action for planners and stagnation tracking.
type ErrorCode string

const (
	ErrCodeExecutionFailure   ErrorCode = "EXECUTION_FAILURE"
	ErrCodeUnknownAction      ErrorCode = "UNKNOWN_ACTION_TYPE"
	ErrCodeInvalidParameters  ErrorCode = "INVALID_PARAMETERS"
	ErrCodeElementNotFound    ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeNotInteractable    ErrorCode = "ELEMENT_NOT_INTERACTABLE"
	ErrCodeTimeoutError       ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNoSession          ErrorCode = "NO_SESSION"
	ErrCodeBackendFailure     ErrorCode = "BACKEND_FAILURE"
	ErrCodeConditionNotMet    ErrorCode = "CONDITION_NOT_MET"
	ErrCodeKeyboardBlocking   ErrorCode = "KEYBOARD_BLOCKING"
	ErrCodeRecoveryExhausted  ErrorCode = "RECOVERY_EXHAUSTED"
	ErrCodeExecutorPanic      ErrorCode = "EXECUTOR_PANIC"
	ErrCodeContextCanceled    ErrorCode = "CONTEXT_CANCELED"
	ErrCodeScreenCaptureError ErrorCode = "SCREEN_CAPTURE_ERROR"
)

// Result is the outcome of one HumanAction. It always carries the action it
// came from and, when capture worked, the screenshot taken afterwards.
type Result struct {
	Action     HumanAction
	Success    bool
	Message    string
	Error      string
	Code       ErrorCode
	Screenshot screen.Screenshot
	Data       map[string]any
	// Attempts lists recovery strategies tried, in order.
	Attempts []string
}

// Succeeded builds a successful Result.
func Succeeded(a HumanAction, msg string, shot screen.Screenshot, data map[string]any) Result {
	return Result{Action: a, Success: true, Message: msg, Screenshot: shot, Data: data}
}

// Failed builds a failed Result.
func Failed(a HumanAction, errMsg string, code ErrorCode, shot screen.Screenshot) Result {
	return Result{Action: a, Error: errMsg, Code: code, Screenshot: shot}
}

// Summary is a one-line description for logs and planner prompts.
func (r Result) Summary() string {
	var b strings.Builder
	b.WriteString(r.Action.String())
	if r.Success {
		b.WriteString(" -> ok")
		if r.Message != "" {
			b.WriteString(": " + r.Message)
		}
		return b.String()
	}
	b.WriteString(" -> failed: " + r.Error)
	return b.String()
}

// ErrorMessages returns the on-screen errors CaptureState collected.
func (r Result) ErrorMessages() []string {
	msgs, _ := r.Data["errorMessages"].([]string)
	return msgs
}

// CodeFor maps a backend error to an ErrorCode.
func CodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrNoSession):
		return ErrCodeNoSession
	}
	switch device.Classify(err) {
	case device.KindNotFound:
		return ErrCodeElementNotFound
	case device.KindNotInteractable:
		return ErrCodeNotInteractable
	case device.KindTimeout:
		return ErrCodeTimeoutError
	case device.KindSession:
		return ErrCodeNoSession
	default:
		return ErrCodeBackendFailure
	}
}
