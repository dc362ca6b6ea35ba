package pipeline

import (
	"fmt"
	"strings"
)

const (
	ErrCodeParse         = "ERR_PARSE"
	ErrCodeSchema        = "ERR_SCHEMA"
	ErrCodeMissingField  = "ERR_MISSING_FIELD"
	ErrCodeInvalidField  = "ERR_INVALID_FIELD"
	ErrCodeDuplicateStep = "ERR_DUPLICATE_STEP"
	ErrCodeMissingStep   = "ERR_MISSING_STEP"
	ErrCodeUnknownStep   = "ERR_UNKNOWN_STEP"
)

// GraphError carries structured validation information about a pipeline graph.
type GraphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	StepID  string `json:"step_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

func (e GraphError) Error() string {
	return e.HumanString()
}

// HumanString renders a human-friendly message with context.
func (e GraphError) HumanString() string {
	parts := make([]string, 0, 3)
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	if e.StepID != "" {
		parts = append(parts, fmt.Sprintf("step %s", e.StepID))
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}

	prefix := "pipeline"
	if len(parts) > 0 {
		prefix = strings.Join(parts, ": ")
	}

	message := e.Message
	if message == "" {
		message = e.Code
	}

	if e.Line > 0 {
		location := fmt.Sprintf("line %d", e.Line)
		if e.Column > 0 {
			location = fmt.Sprintf("%s:%d", location, e.Column)
		}
		message = fmt.Sprintf("%s (%s)", message, location)
	}

	return fmt.Sprintf("%s: %s", prefix, message)
}

// ErrorList groups graph errors.
type ErrorList struct {
	Errors []GraphError `json:"errors"`
}

func (e *ErrorList) Error() string {
	if e == nil || len(e.Errors) == 0 {
		return ""
	}
	lines := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		lines = append(lines, err.HumanString())
	}
	return strings.Join(lines, "\n")
}

func (e *ErrorList) Add(err GraphError) {
	e.Errors = append(e.Errors, err)
}

func (e *ErrorList) Empty() bool {
	return e == nil || len(e.Errors) == 0
}

// Has reports whether any error carries code.
func (e *ErrorList) Has(code string) bool {
	if e == nil {
		return false
	}
	for _, err := range e.Errors {
		if err.Code == code {
			return true
		}
	}
	return false
}

func (e *ErrorList) errOrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}
