// Package cli provides structured error output helpers.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tOgg1/loopdeck/internal/client"
	"github.com/tOgg1/loopdeck/internal/decision"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/orchestrator"
	"github.com/tOgg1/loopdeck/internal/pipeline"
)

// ErrorEnvelope is the JSON/JSONL error response shape.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload carries structured error details.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ExitError carries an exit code and whether output was already printed.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func handleCLIError(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Printed {
			return exitErr
		}
		if exitErr.Err != nil {
			err = exitErr.Err
		}
	}

	exitCode := exitCodeFromError(err)
	if exitErr != nil && exitErr.Code != 0 {
		exitCode = exitErr.Code
	}

	if IsJSONOutput() || IsJSONLOutput() {
		envelope := buildErrorEnvelope(err)
		_ = WriteOutput(os.Stdout, envelope)
	} else {
		fmt.Fprintln(os.Stderr, colorize(err.Error(), colorRed))
	}

	return &ExitError{
		Code:    exitCode,
		Err:     err,
		Printed: true,
	}
}

func buildErrorEnvelope(err error) ErrorEnvelope {
	code, message, hint, details, _ := classifyError(err)
	return ErrorEnvelope{
		Error: ErrorPayload{
			Code:    code,
			Message: message,
			Hint:    hint,
			Details: details,
		},
	}
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}
	_, _, _, _, code := classifyError(err)
	return code
}

func classifyError(err error) (code, message, hint string, details map[string]any, exitCode int) {
	exitCode = 1
	if err == nil {
		return "ERR_UNKNOWN", "", "", nil, exitCode
	}

	message = err.Error()

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		details = map[string]any{
			"method": apiErr.Method,
			"path":   apiErr.Path,
		}
		switch {
		case apiErr.StatusCode == 0:
			return "ERR_BACKEND_UNREACHABLE", message, "Check backend.base_url or pass --backend.", details, 2
		case apiErr.StatusCode == 404:
			details["status"] = apiErr.StatusCode
			return "ERR_NOT_FOUND", message, "Run `loopdeck loop list` to see valid IDs.", details, 1
		case apiErr.StatusCode >= 500:
			details["status"] = apiErr.StatusCode
			return "ERR_BACKEND", message, "", details, 2
		default:
			details["status"] = apiErr.StatusCode
			return "ERR_REJECTED", message, "", details, 1
		}
	}

	var workflowErr *orchestrator.WorkflowError
	if errors.As(err, &workflowErr) {
		details = map[string]any{"errors": workflowErr.Report.Errors}
		if len(workflowErr.Report.Warnings) > 0 {
			details["warnings"] = workflowErr.Report.Warnings
		}
		return "ERR_INVALID_WORKFLOW", message, "Link KSampler.seed to Loop Context and add a Loop Return node.", details, 1
	}

	var graphErrs *pipeline.ErrorList
	if errors.As(err, &graphErrs) && !graphErrs.Empty() {
		return graphErrs.Errors[0].Code, message, "", map[string]any{"errors": graphErrs.Errors}, 1
	}
	var graphErr pipeline.GraphError
	if errors.As(err, &graphErr) {
		return graphErr.Code, message, "", nil, 1
	}

	var validation *models.ValidationErrors
	if errors.As(err, &validation) {
		return "ERR_INVALID", message, "", nil, 1
	}

	switch {
	case errors.Is(err, orchestrator.ErrNoLoop):
		return "ERR_NO_LOOP", message, "Run `loopdeck loop create` or pass --loop.", nil, 1
	case errors.Is(err, orchestrator.ErrNoWorkflow):
		return "ERR_NO_WORKFLOW", message, "Run `loopdeck loop sync FILE` first.", nil, 1
	case errors.Is(err, orchestrator.ErrLaunchInFlight):
		return "ERR_BUSY", message, "Wait for the running attempt to return.", nil, 1
	case errors.Is(err, orchestrator.ErrPipelineActive):
		return "ERR_BUSY", message, "Pass --restart to abort the earlier run.", nil, 1
	case errors.Is(err, orchestrator.ErrNoPipeline), errors.Is(err, orchestrator.ErrStepNotWaiting):
		return "ERR_NO_PIPELINE", message, "", nil, 1
	case errors.Is(err, orchestrator.ErrInvalidOverrides), errors.Is(err, models.ErrInvalidDecision), errors.Is(err, models.ErrInvalidTotalCycles):
		return "ERR_INVALID", message, "", nil, 1
	case errors.Is(err, decision.ErrEntryNotFound), errors.Is(err, decision.ErrNoEntries):
		return "ERR_NOT_FOUND", message, "Run `loopdeck loop show` to see the manifest.", nil, 1
	}

	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "not found"):
		code = "ERR_NOT_FOUND"
		if id := extractQuotedValue(message); id != "" {
			details = map[string]any{"id": id}
		}
	case strings.Contains(lower, "unknown flag"):
		code = "ERR_INVALID_FLAG"
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "required") || strings.Contains(lower, "usage") || strings.Contains(lower, "must"):
		code = "ERR_INVALID"
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		code = "ERR_OPERATION_FAILED"
		exitCode = 2
	case strings.Contains(lower, "failed to") || strings.Contains(lower, "unable to"):
		code = "ERR_OPERATION_FAILED"
		exitCode = 2
	default:
		code = "ERR_UNKNOWN"
	}

	return code, message, hint, details, exitCode
}

func extractQuotedValue(message string) string {
	for _, quote := range []string{"'", `"`} {
		start := strings.Index(message, quote)
		if start == -1 {
			continue
		}
		end := strings.Index(message[start+1:], quote)
		if end == -1 {
			continue
		}
		return message[start+1 : start+1+end]
	}
	return ""
}
