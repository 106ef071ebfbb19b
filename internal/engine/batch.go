package engine

import "github.com/pipedock/pipedock/pkg/schema"

// Batch is a set of steps that run concurrently. Batches themselves run
// strictly in order; a batch starts only after the previous one settled.
type Batch struct {
	Steps []*schema.WorkflowStep
}

// BuildBatches partitions the workflow's steps into ordered batches.
// Ungrouped steps become singleton batches in declared order. A parallel
// group occupies the position of its first member; remaining members are
// pulled forward into that batch regardless of where they were declared.
func BuildBatches(cfg *schema.WorkflowConfig) []Batch {
	groupOf := make(map[string]int)
	for i, group := range cfg.ParallelGroups {
		for _, name := range group {
			groupOf[name] = i
		}
	}

	emitted := make(map[int]bool)
	var batches []Batch
	for i := range cfg.Steps {
		step := &cfg.Steps[i]
		gi, grouped := groupOf[step.Name]
		if !grouped {
			batches = append(batches, Batch{Steps: []*schema.WorkflowStep{step}})
			continue
		}
		if emitted[gi] {
			continue
		}
		emitted[gi] = true
		batches = append(batches, Batch{Steps: groupMembers(cfg, cfg.ParallelGroups[gi])})
	}
	return batches
}

// groupMembers resolves group member names to steps, preserving the
// workflow's declared step order within the batch.
func groupMembers(cfg *schema.WorkflowConfig, group []string) []*schema.WorkflowStep {
	member := make(map[string]bool, len(group))
	for _, name := range group {
		member[name] = true
	}
	var steps []*schema.WorkflowStep
	for i := range cfg.Steps {
		if member[cfg.Steps[i].Name] {
			steps = append(steps, &cfg.Steps[i])
		}
	}
	return steps
}
