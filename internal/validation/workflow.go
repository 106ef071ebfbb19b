package validation

import (
	"fmt"

	"github.com/pipedock/pipedock/pkg/schema"
)

// OperationLookup answers whether an operation name resolves to a registered
// tool. Satisfied by dispatch.Registry; nil skips the existence check.
type OperationLookup interface {
	Has(operation string) bool
}

// ValidateConfig checks a WorkflowConfig before execution:
// unique step names, positive timeouts, non-negative retry budgets, registered
// operations, and parallel-group references that resolve to declared steps.
// An invalid config is a synchronous configuration error — it never starts a run.
func ValidateConfig(cfg *schema.WorkflowConfig, lookup OperationLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if cfg == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow config is nil")
		return result
	}
	if cfg.ID == "" {
		result.AddError("/id", schema.ErrCodeValidation, "workflow id is empty")
	}
	if len(cfg.Steps) == 0 {
		result.AddError("/steps", schema.ErrCodeValidation, "workflow has no steps")
		return result
	}

	names := make(map[string]bool, len(cfg.Steps))
	for i := range cfg.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		step := &cfg.Steps[i]
		if names[step.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name: %s", step.Name))
		}
		names[step.Name] = true
		validateStep(step, path, lookup, result)
	}

	validateParallelGroups(cfg, names, result)

	for i := range cfg.RollbackSteps {
		path := fmt.Sprintf("rollback_steps[%d]", i)
		validateStep(&cfg.RollbackSteps[i], path, lookup, result)
	}

	return result
}

func validateStep(step *schema.WorkflowStep, path string, lookup OperationLookup, result *schema.ValidationResult) {
	if step.Name == "" {
		result.AddError(path+".name", schema.ErrCodeValidation, "step name is empty")
	}
	if step.Operation == "" {
		result.AddError(path+".operation", schema.ErrCodeValidation,
			fmt.Sprintf("step %s has no operation", step.Name))
	} else if lookup != nil && !lookup.Has(step.Operation) {
		result.AddError(path+".operation", schema.ErrCodeNotFound,
			fmt.Sprintf("operation %q not registered", step.Operation))
	}
	if step.TimeoutMs <= 0 {
		result.AddError(path+".timeout_ms", schema.ErrCodeValidation,
			fmt.Sprintf("step %s timeout must be positive", step.Name))
	}
	if step.MaxRetries < 0 {
		result.AddError(path+".max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("step %s max_retries must be >= 0", step.Name))
	}
	switch step.Policy() {
	case schema.OnErrorFail, schema.OnErrorSkip, schema.OnErrorContinue:
	default:
		result.AddError(path+".on_error", schema.ErrCodeValidation,
			fmt.Sprintf("step %s has unknown on_error policy %q", step.Name, step.OnError))
	}
}

func validateParallelGroups(cfg *schema.WorkflowConfig, names map[string]bool, result *schema.ValidationResult) {
	grouped := make(map[string]int)
	for g, group := range cfg.ParallelGroups {
		path := fmt.Sprintf("parallel_groups[%d]", g)
		if len(group) == 0 {
			result.AddError(path, schema.ErrCodeValidation, "parallel group is empty")
			continue
		}
		for m, member := range group {
			memberPath := fmt.Sprintf("%s[%d]", path, m)
			if !names[member] {
				result.AddError(memberPath, schema.ErrCodeValidation,
					fmt.Sprintf("parallel group references unknown step %q", member))
				continue
			}
			if prev, ok := grouped[member]; ok {
				result.AddError(memberPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q already in parallel group %d", member, prev))
				continue
			}
			grouped[member] = g
		}
	}
}
