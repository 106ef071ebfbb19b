package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipedock/pipedock/pkg/schema"
)

func configWithSteps(names ...string) *schema.WorkflowConfig {
	cfg := &schema.WorkflowConfig{ID: "wf"}
	for _, name := range names {
		cfg.Steps = append(cfg.Steps, schema.WorkflowStep{Name: name, Operation: "op", TimeoutMs: 1000})
	}
	return cfg
}

func batchNames(b Batch) []string {
	names := make([]string, 0, len(b.Steps))
	for _, s := range b.Steps {
		names = append(names, s.Name)
	}
	return names
}

func TestBuildBatches_NoGroups_SingletonsInOrder(t *testing.T) {
	cfg := configWithSteps("a", "b", "c")
	batches := BuildBatches(cfg)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a"}, batchNames(batches[0]))
	assert.Equal(t, []string{"b"}, batchNames(batches[1]))
	assert.Equal(t, []string{"c"}, batchNames(batches[2]))
}

func TestBuildBatches_GroupAtFirstMemberPosition(t *testing.T) {
	cfg := configWithSteps("build", "scan", "push", "deploy")
	cfg.ParallelGroups = [][]string{{"scan", "push"}}

	batches := BuildBatches(cfg)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"build"}, batchNames(batches[0]))
	assert.Equal(t, []string{"scan", "push"}, batchNames(batches[1]))
	assert.Equal(t, []string{"deploy"}, batchNames(batches[2]))
}

func TestBuildBatches_GroupMembersPulledForward(t *testing.T) {
	// "push" is declared after "deploy" but belongs to the scan group,
	// which sits at scan's position.
	cfg := configWithSteps("build", "scan", "deploy", "push")
	cfg.ParallelGroups = [][]string{{"scan", "push"}}

	batches := BuildBatches(cfg)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"scan", "push"}, batchNames(batches[1]))
	assert.Equal(t, []string{"deploy"}, batchNames(batches[2]))
}

func TestBuildBatches_MultipleGroups(t *testing.T) {
	cfg := configWithSteps("a", "b", "c", "d", "e")
	cfg.ParallelGroups = [][]string{{"b", "c"}, {"d", "e"}}

	batches := BuildBatches(cfg)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a"}, batchNames(batches[0]))
	assert.Equal(t, []string{"b", "c"}, batchNames(batches[1]))
	assert.Equal(t, []string{"d", "e"}, batchNames(batches[2]))
}

func TestBuildBatches_EmptyConfig(t *testing.T) {
	assert.Empty(t, BuildBatches(&schema.WorkflowConfig{ID: "wf"}))
}
