package pipeline

import (
	"fmt"

	"github.com/tOgg1/loopdeck/internal/models"
)

// ValidateSteps checks a resolved step list before a pipeline run: ids are
// unique, roles are known, only composition steps are manual, and at least
// one execute step exists.
func ValidateSteps(steps []models.PipelineStep) error {
	list := &ErrorList{}
	seen := make(map[string]bool, len(steps))
	hasExecute := false

	for _, step := range steps {
		if step.ID == "" {
			list.Add(GraphError{Code: ErrCodeMissingField, Message: "step id is required", Field: "id"})
			continue
		}
		if seen[step.ID] {
			list.Add(GraphError{Code: ErrCodeDuplicateStep, Message: fmt.Sprintf("duplicate step id %q", step.ID), StepID: step.ID})
		}
		seen[step.ID] = true

		if _, ok := models.ParseStepRole(string(step.Role)); !ok {
			list.Add(GraphError{
				Code:    ErrCodeInvalidField,
				Message: fmt.Sprintf("unknown role %q", step.Role),
				StepID:  step.ID,
				Field:   "role",
			})
			continue
		}
		if step.Role == models.StepRoleExecute {
			hasExecute = true
		}
		if step.IsManual() && step.Role != models.StepRoleComposition {
			list.Add(GraphError{
				Code:    ErrCodeMissingField,
				Message: fmt.Sprintf("%s step needs a workflow", step.Role),
				StepID:  step.ID,
				Field:   "workflow",
			})
		}
	}

	if !hasExecute {
		list.Add(GraphError{Code: ErrCodeMissingStep, Message: "pipeline needs an execute step"})
	}
	return list.errOrNil()
}
