package engine

import (
	"errors"
	"fmt"
)

// ErrorCode is the textual error taxonomy surfaced to the host.
type ErrorCode string

const (
	CodeUserNotFound         ErrorCode = "user_not_found"
	CodeExperimentNotFound   ErrorCode = "experiment_not_found"
	CodeExperimentInvalid    ErrorCode = "experiment_invalid"
	CodeSampleIncomplete     ErrorCode = "sample_incomplete"
	CodePromptMismatch       ErrorCode = "prompt_mismatch"
	CodeLabelTemplateMissing ErrorCode = "label_template_missing"
	CodeLabelTemplateInvalid ErrorCode = "label_template_invalid"
	CodeUnitsMissing         ErrorCode = "units_missing"
	CodeProviderKeyMissing   ErrorCode = "provider_key_missing"
	CodeLLMCallFailed        ErrorCode = "llm_call_failed"
	CodeResponseParseFailed  ErrorCode = "response_parse_failed"
)

// Error carries an ErrorCode and the underlying cause.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so the sentinels below
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUserNotFound         = &Error{Code: CodeUserNotFound}
	ErrExperimentNotFound   = &Error{Code: CodeExperimentNotFound}
	ErrExperimentInvalid    = &Error{Code: CodeExperimentInvalid}
	ErrSampleIncomplete     = &Error{Code: CodeSampleIncomplete}
	ErrPromptMismatch       = &Error{Code: CodePromptMismatch}
	ErrLabelTemplateMissing = &Error{Code: CodeLabelTemplateMissing}
	ErrLabelTemplateInvalid = &Error{Code: CodeLabelTemplateInvalid}
	ErrUnitsMissing         = &Error{Code: CodeUnitsMissing}
	ErrProviderKeyMissing   = &Error{Code: CodeProviderKeyMissing}
	ErrLLMCall              = &Error{Code: CodeLLMCallFailed}
	ErrResponseParse        = &Error{Code: CodeResponseParseFailed}
)

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
