package pipelines

import (
	"encoding/json"

	"github.com/pipedock/pipedock/pkg/schema"
)

// Canonical operation names for the containerization pipeline. The
// implementations live behind the tool dispatcher; these are only the
// contract names a host must register.
const (
	OpAnalyzeRepository  = "analyze-repository"
	OpGenerateDockerfile = "generate-dockerfile"
	OpBuildImage         = "build-image"
	OpScanImage          = "scan-image"
	OpPushImage          = "push-image"
	OpGenerateManifests  = "generate-manifests"
	OpDeploy             = "deploy"
	OpVerifyDeployment   = "verify-deployment"
	OpUndeploy           = "undeploy"
	OpDeleteImage        = "delete-image"
)

// ContainerizeOptions tunes the built-in containerization workflow.
type ContainerizeOptions struct {
	// SkipScan drops the vulnerability scan from the parallel group.
	SkipScan bool
	// SkipDeploy ends the pipeline after the image is pushed.
	SkipDeploy bool
}

// Containerize builds the standard containerization pipeline:
// analyze, generate a Dockerfile, build, then scan and push in parallel,
// then manifests, deploy and verify. Scan and push only run when the build
// actually produced an image. On a fatal failure the deployment is removed
// and the pushed image deleted, in that order.
func Containerize(opts ContainerizeOptions) *schema.WorkflowConfig {
	steps := []schema.WorkflowStep{
		{
			Name:      "analyze",
			Operation: OpAnalyzeRepository,
			Required:  true,
			TimeoutMs: 60_000,
			ParamsTemplate: json.RawMessage(
				`{"repo_path": "${{ inputs.repo_path }}"}`),
		},
		{
			Name:       "dockerfile",
			Operation:  OpGenerateDockerfile,
			Required:   true,
			Retryable:  true,
			MaxRetries: 2,
			TimeoutMs:  120_000,
			ParamsTemplate: json.RawMessage(
				`{"language": "${{ state.analyze.language }}", "ports": "${{ state.analyze.ports }}"}`),
		},
		{
			Name:       "build",
			Operation:  OpBuildImage,
			Required:   true,
			Retryable:  true,
			MaxRetries: 1,
			TimeoutMs:  600_000,
			ParamsTemplate: json.RawMessage(
				`{"dockerfile": "${{ state.dockerfile.path }}", "tag": "${{ inputs.image_tag }}"}`),
		},
	}

	var group []string
	if !opts.SkipScan {
		steps = append(steps, schema.WorkflowStep{
			Name:          "scan",
			Operation:     OpScanImage,
			OnError:       schema.OnErrorContinue,
			TimeoutMs:     300_000,
			ConditionExpr: `"build" in state && has(state.build.image_id)`,
			ParamsTemplate: json.RawMessage(
				`{"image_id": "${{ state.build.image_id }}"}`),
		})
		group = append(group, "scan")
	}
	steps = append(steps, schema.WorkflowStep{
		Name:          "push",
		Operation:     OpPushImage,
		Required:      true,
		Retryable:     true,
		MaxRetries:    3,
		TimeoutMs:     300_000,
		ConditionExpr: `"build" in state && has(state.build.image_id)`,
		ParamsTemplate: json.RawMessage(
			`{"image_id": "${{ state.build.image_id }}", "registry": "${{ inputs.registry }}"}`),
	})
	group = append(group, "push")

	var parallelGroups [][]string
	if len(group) > 1 {
		parallelGroups = append(parallelGroups, group)
	}

	if !opts.SkipDeploy {
		steps = append(steps,
			schema.WorkflowStep{
				Name:       "manifests",
				Operation:  OpGenerateManifests,
				Required:   true,
				Retryable:  true,
				MaxRetries: 2,
				TimeoutMs:  120_000,
				ParamsTemplate: json.RawMessage(
					`{"image_ref": "${{ state.push.image_ref }}", "ports": "${{ state.analyze.ports }}"}`),
			},
			schema.WorkflowStep{
				Name:       "deploy",
				Operation:  OpDeploy,
				Required:   true,
				Retryable:  true,
				MaxRetries: 1,
				TimeoutMs:  300_000,
				ParamsTemplate: json.RawMessage(
					`{"manifests": "${{ state.manifests.files }}", "namespace": "${{ inputs.namespace }}"}`),
			},
			schema.WorkflowStep{
				Name:       "verify",
				Operation:  OpVerifyDeployment,
				Retryable:  true,
				MaxRetries: 5,
				TimeoutMs:  60_000,
				OnError:    schema.OnErrorContinue,
				ParamsTemplate: json.RawMessage(
					`{"deployment": "${{ state.deploy.name }}", "namespace": "${{ inputs.namespace }}"}`),
			},
		)
	}

	return &schema.WorkflowConfig{
		ID:             "containerize",
		Name:           "Containerization pipeline",
		Steps:          steps,
		ParallelGroups: parallelGroups,
		RollbackSteps:  rollbackSteps(opts),
	}
}

// rollbackSteps compensate in reverse-dependency order: the deployment goes
// first, the pushed image after.
func rollbackSteps(opts ContainerizeOptions) []schema.WorkflowStep {
	var steps []schema.WorkflowStep
	if !opts.SkipDeploy {
		steps = append(steps, schema.WorkflowStep{
			Name:      "undeploy",
			Operation: OpUndeploy,
			TimeoutMs: 120_000,
			ParamsTemplate: json.RawMessage(
				`{"namespace": "${{ inputs.namespace }}"}`),
		})
	}
	steps = append(steps, schema.WorkflowStep{
		Name:      "delete-image",
		Operation: OpDeleteImage,
		TimeoutMs: 60_000,
		ConditionExpr: `"push" in state`,
		ParamsTemplate: json.RawMessage(
			`{"image_ref": "${{ state.push.image_ref }}"}`),
	})
	return steps
}
