package protocol

import "context"

// AdvisoryRequest asks a domain specialist for guidance on a step about to
// run.
type AdvisoryRequest struct {
	WorkflowID string
	TaskID     string
	StepID     string
	Domain     string
	Query      string
}

// AdvisoryReport is the specialist's answer. It attaches to the step record
// for visibility and never blocks progression.
type AdvisoryReport struct {
	Domain     string
	Guidance   string
	Confidence float64
}

// AdvisoryProvider consults configured domains before a step runs. A failed
// consultation is logged and ignored.
type AdvisoryProvider interface {
	Consult(ctx context.Context, req AdvisoryRequest) (*AdvisoryReport, error)
}
