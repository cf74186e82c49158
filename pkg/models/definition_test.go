package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:   "wf-build",
		Name: "Build pipeline",
		Steps: []*StepDefinition{
			{ID: "plan", Name: "Plan the work", Executor: "agent"},
			{
				ID:        "implement",
				Name:      "Implement the plan",
				Executor:  "agent",
				DependsOn: []string{"plan"},
				Retry:     &RetryPolicy{MaxAttempts: 3, BackoffBase: Duration(time.Second)},
				Gate:      &GateSpec{Metric: "coverage", Threshold: 0.8, OnFail: "fix"},
			},
			{ID: "fix", Name: "Fix review findings", Executor: "agent"},
		},
	}
}

func TestWorkflowDefinition_Validate_Valid(t *testing.T) {
	def := validDefinition()

	require.NoError(t, def.Validate())
}

func TestWorkflowDefinition_Validate_MissingExecutor(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Executor = ""

	assert.Error(t, def.Validate())
}

func TestWorkflowDefinition_Validate_DuplicateStepID(t *testing.T) {
	def := validDefinition()
	def.Steps[2].ID = "plan"

	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestWorkflowDefinition_Validate_UnknownDependency(t *testing.T) {
	def := validDefinition()
	def.Steps[1].DependsOn = []string{"missing"}

	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestWorkflowDefinition_Validate_SelfDependency(t *testing.T) {
	def := validDefinition()
	def.Steps[0].DependsOn = []string{"plan"}

	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestWorkflowDefinition_Validate_DependencyCycle(t *testing.T) {
	def := validDefinition()
	def.Steps[0].DependsOn = []string{"fix"}
	def.Steps[2].DependsOn = []string{"implement"}

	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestWorkflowDefinition_Validate_UnknownGateTarget(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Gate.OnFail = "nowhere"

	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on_fail")
}

func TestWorkflowDefinition_Validate_RouteRequiresOnFail(t *testing.T) {
	def := validDefinition()
	def.Steps[0].OnExhausted = FailureActionRoute

	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gate on_fail target")
}

func TestWorkflowDefinition_Validate_SkipAlongsideOnFailIsExplicit(t *testing.T) {
	// A step may carry both a gate on_fail route and an explicit skip action:
	// the route handles gate failures, the skip handles retry exhaustion.
	def := validDefinition()
	def.Steps[1].OnExhausted = FailureActionSkip

	require.NoError(t, def.Validate())
}

func TestWorkflowDefinition_Validate_UnknownExhaustedAction(t *testing.T) {
	def := validDefinition()
	def.Steps[0].OnExhausted = FailureAction("explode")

	assert.Error(t, def.Validate())
}

func TestStepDefinition_MaxAttempts_DefaultsToOne(t *testing.T) {
	step := &StepDefinition{ID: "s", Name: "A step", Executor: "agent"}

	assert.Equal(t, 1, step.MaxAttempts())
}

func TestStepDefinition_ExhaustedAction(t *testing.T) {
	plain := &StepDefinition{ID: "s", Name: "A step", Executor: "agent"}
	assert.Equal(t, FailureActionAbort, plain.ExhaustedAction())

	gated := &StepDefinition{
		ID: "s", Name: "A step", Executor: "agent",
		Gate: &GateSpec{Metric: "score", Threshold: 0.8, OnFail: "fix"},
	}
	assert.Equal(t, FailureActionRoute, gated.ExhaustedAction())

	// An explicit action wins over the gate's implied route.
	gated.OnExhausted = FailureActionSkip
	assert.Equal(t, FailureActionSkip, gated.ExhaustedAction())
}

func TestWorkflowDefinition_NextInOrder(t *testing.T) {
	def := validDefinition()

	next := def.NextInOrder("plan")
	require.NotNil(t, next)
	assert.Equal(t, "implement", next.ID)

	assert.Nil(t, def.NextInOrder("fix"))
	assert.Nil(t, def.NextInOrder("missing"))
}

func TestWorkflowDefinition_GroupPeers(t *testing.T) {
	def := validDefinition()
	def.Steps[0].ParallelGroup = "g1"
	def.Steps[2].ParallelGroup = "g1"

	peers := def.GroupPeers("g1")
	require.Len(t, peers, 2)
	assert.Equal(t, "plan", peers[0].ID)
	assert.Equal(t, "fix", peers[1].ID)

	assert.Empty(t, def.GroupPeers(""))
}

func TestParseDefinition_YAML(t *testing.T) {
	doc := []byte(`
id: wf-docs
name: Documentation run
steps:
  - id: draft
    name: Draft the docs
    executor: agent
    retry:
      max_attempts: 2
      backoff_base: 5s
  - id: review
    name: Review the docs
    executor: agent
    depends_on: [draft]
    gate:
      metric: quality
      threshold: 0.9
      on_fail: draft
`)

	def, err := ParseDefinition(doc)
	require.NoError(t, err)

	assert.Equal(t, "wf-docs", def.ID)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, 5*time.Second, def.Steps[0].Retry.BackoffBase.Std())
	require.NotNil(t, def.Steps[1].Gate)
	assert.Equal(t, "draft", def.Steps[1].Gate.OnFail)
}

func TestParseDefinition_JSON(t *testing.T) {
	doc := []byte(`{
  "id": "wf-json",
  "name": "JSON document",
  "steps": [
    {"id": "only", "name": "Only step", "executor": "agent", "timeout": "1m"}
  ]
}`)

	def, err := ParseDefinition(doc)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, def.Steps[0].Timeout.Std())
}

func TestParseDefinition_SchemaRejectsWrongShape(t *testing.T) {
	doc := []byte(`
id: wf-bad
name: Broken document
steps:
  - id: s1
    name: Step one
    executor: agent
    retry:
      max_attempts: zero
`)

	_, err := ParseDefinition(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid workflow definition document")
}

func TestParseDefinition_RejectsMissingSteps(t *testing.T) {
	_, err := ParseDefinition([]byte("id: wf-empty\nname: Empty one\n"))

	assert.Error(t, err)
}
