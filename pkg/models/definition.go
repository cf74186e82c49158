// Package models defines the core domain models for workflow orchestration:
// definitions, durable execution state, checkpoints, and recovery records.
package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FailureAction selects what the progression loop does once a step's retries
// are exhausted. An explicit value always wins; when absent, a gate with an
// on_fail target implies route, and a step without one aborts the workflow.
type FailureAction string

const (
	FailureActionAbort FailureAction = "abort" // Fail the whole workflow
	FailureActionSkip  FailureAction = "skip"  // Mark the step skipped and continue
	FailureActionRoute FailureAction = "route" // Follow the gate's on_fail target
)

// GateSpec is a quality gate evaluated when its step finishes executing. The
// executor reports a metric value; the gate compares it against the threshold
// and the workflow routes on the outcome.
type GateSpec struct {
	Metric    string  `json:"metric"            yaml:"metric"            validate:"required"`
	Threshold float64 `json:"threshold"         yaml:"threshold"`
	OnPass    string  `json:"on_pass,omitempty" yaml:"on_pass,omitempty"` // Empty means the next step in order
	OnFail    string  `json:"on_fail,omitempty" yaml:"on_fail,omitempty"` // Remediation step to route to
}

// RetryPolicy bounds automatic re-execution of a step that fails with an
// execution error. MaxAttempts counts the first execution: MaxAttempts of 3
// means one initial run plus two retries.
type RetryPolicy struct {
	MaxAttempts int      `json:"max_attempts"           yaml:"max_attempts"           validate:"required,min=1"`
	BackoffBase Duration `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`
	BackoffMax  Duration `json:"backoff_max,omitempty"  yaml:"backoff_max,omitempty"`
}

// StepDefinition describes a single unit of work inside a workflow.
type StepDefinition struct {
	ID            string            `json:"id"                       yaml:"id"                       validate:"required"`
	Name          string            `json:"name"                     yaml:"name"                     validate:"required,min=3"`
	Executor      string            `json:"executor"                 yaml:"executor"                 validate:"required"`
	DependsOn     []string          `json:"depends_on,omitempty"     yaml:"depends_on,omitempty"`
	Requires      []string          `json:"requires,omitempty"       yaml:"requires,omitempty"` // Artifact names consumed
	Produces      []string          `json:"produces,omitempty"       yaml:"produces,omitempty"` // Artifact names produced
	ParallelGroup string            `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	Gate          *GateSpec         `json:"gate,omitempty"           yaml:"gate,omitempty"`
	Retry         *RetryPolicy      `json:"retry,omitempty"          yaml:"retry,omitempty"`
	OnExhausted   FailureAction     `json:"on_exhausted,omitempty"   yaml:"on_exhausted,omitempty"`
	Advisory      []string          `json:"advisory,omitempty"       yaml:"advisory,omitempty"` // Specialist domains to consult
	Timeout       Duration          `json:"timeout,omitempty"        yaml:"timeout,omitempty"`
	Vars          map[string]string `json:"vars,omitempty"           yaml:"vars,omitempty"`
}

// MaxAttempts returns the configured attempt budget, defaulting to a single
// attempt when no retry policy is set.
func (s *StepDefinition) MaxAttempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return 1
	}

	return s.Retry.MaxAttempts
}

// ExhaustedAction resolves what happens when the step's attempts run out: the
// explicit on_exhausted action when one is set, otherwise route when the gate
// has an on_fail target, otherwise abort.
func (s *StepDefinition) ExhaustedAction() FailureAction {
	if s.OnExhausted != "" {
		return s.OnExhausted
	}

	if s.Gate != nil && s.Gate.OnFail != "" {
		return FailureActionRoute
	}

	return FailureActionAbort
}

// WorkflowDefinition is the declarative description of a workflow: an ordered
// list of steps plus shared variables. Order matters: when a gate has no
// on_pass target, progression falls through to the next step in the list.
type WorkflowDefinition struct {
	ID      string            `json:"id"                yaml:"id"                validate:"required"`
	Name    string            `json:"name"              yaml:"name"              validate:"required,min=3"`
	Version string            `json:"version,omitempty" yaml:"version,omitempty"`
	Vars    map[string]string `json:"vars,omitempty"    yaml:"vars,omitempty"`
	Steps   []*StepDefinition `json:"steps"             yaml:"steps"             validate:"required,min=1,dive"`
}

// Step returns the step with the given ID, or nil.
func (w *WorkflowDefinition) Step(id string) *StepDefinition {
	for _, step := range w.Steps {
		if step.ID == id {
			return step
		}
	}

	return nil
}

// NextInOrder returns the step following the given one in definition order,
// or nil when the given step is the last.
func (w *WorkflowDefinition) NextInOrder(afterID string) *StepDefinition {
	for i, step := range w.Steps {
		if step.ID == afterID && i+1 < len(w.Steps) {
			return w.Steps[i+1]
		}
	}

	return nil
}

// GroupPeers returns every step sharing the given parallel group, in
// definition order. An empty group name returns nothing.
func (w *WorkflowDefinition) GroupPeers(group string) []*StepDefinition {
	if group == "" {
		return nil
	}

	var peers []*StepDefinition

	for _, step := range w.Steps {
		if step.ParallelGroup == group {
			peers = append(peers, step)
		}
	}

	return peers
}

// Validate checks field constraints and cross-step references: unique IDs,
// resolvable depends_on and gate targets, acyclic dependencies, and an
// explicit on_fail target for steps configured to route on exhaustion.
func (w *WorkflowDefinition) Validate() error {
	if err := validator.New().Struct(w); err != nil {
		return fmt.Errorf("workflow definition %q: %w", w.ID, err)
	}

	seen := make(map[string]bool, len(w.Steps))
	for _, step := range w.Steps {
		if seen[step.ID] {
			return fmt.Errorf("workflow definition %q: duplicate step id %q", w.ID, step.ID)
		}

		seen[step.ID] = true
	}

	for _, step := range w.Steps {
		if err := w.validateStep(step); err != nil {
			return fmt.Errorf("workflow definition %q: %w", w.ID, err)
		}
	}

	if cycle := w.findDependencyCycle(); len(cycle) > 0 {
		return fmt.Errorf("workflow definition %q: dependency cycle: %s", w.ID, strings.Join(cycle, " -> "))
	}

	return nil
}

func (w *WorkflowDefinition) validateStep(step *StepDefinition) error {
	for _, dep := range step.DependsOn {
		if dep == step.ID {
			return fmt.Errorf("step %q depends on itself", step.ID)
		}

		if w.Step(dep) == nil {
			return fmt.Errorf("step %q depends on unknown step %q", step.ID, dep)
		}
	}

	if step.Gate != nil {
		if step.Gate.OnPass != "" && w.Step(step.Gate.OnPass) == nil {
			return fmt.Errorf("step %q gate routes on_pass to unknown step %q", step.ID, step.Gate.OnPass)
		}

		if step.Gate.OnFail != "" && w.Step(step.Gate.OnFail) == nil {
			return fmt.Errorf("step %q gate routes on_fail to unknown step %q", step.ID, step.Gate.OnFail)
		}

		if step.Gate.OnFail == step.ID {
			return fmt.Errorf("step %q gate routes on_fail to itself", step.ID)
		}
	}

	switch step.OnExhausted {
	case "", FailureActionAbort, FailureActionSkip:
	case FailureActionRoute:
		if step.Gate == nil || step.Gate.OnFail == "" {
			return fmt.Errorf("step %q is configured to route on exhaustion but has no gate on_fail target", step.ID)
		}
	default:
		return fmt.Errorf("step %q has unknown on_exhausted action %q", step.ID, step.OnExhausted)
	}

	return nil
}

// findDependencyCycle runs a depth-first walk over depends_on edges and
// returns one cycle's member IDs, or nil.
func (w *WorkflowDefinition) findDependencyCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	state := make(map[string]int, len(w.Steps))

	var cycle []string

	var visit func(id string) bool

	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			cycle = append(cycle, id)

			return true
		case done:
			return false
		}

		state[id] = visiting

		step := w.Step(id)
		if step != nil {
			for _, dep := range step.DependsOn {
				if visit(dep) {
					cycle = append(cycle, id)

					return true
				}
			}
		}

		state[id] = done

		return false
	}

	for _, step := range w.Steps {
		if visit(step.ID) {
			return cycle
		}
	}

	return nil
}

// ParseDefinition decodes a workflow definition document. YAML and JSON are
// both accepted; JSON documents are valid YAML, so a single decoder serves.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	if err := ValidateDefinitionDocument(data); err != nil {
		return nil, err
	}

	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unable to decode workflow definition: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// MarshalIndented renders the definition as indented JSON, used by the CLI
// validate command to echo the normalized document.
func (w *WorkflowDefinition) MarshalIndented() ([]byte, error) {
	return json.MarshalIndent(w, "", "  ")
}
