package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/otelhelper"
)

// ErrWorkflowAborted reports a run that reached the aborted status.
var ErrWorkflowAborted = errors.New("workflow aborted")

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Drive a workflow definition until it completes or aborts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "definition",
				Aliases:  []string{"f"},
				Usage:    "Path to the workflow definition document (YAML or JSON)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "workflow-id",
				Aliases: []string{"id"},
				Usage:   "Custom workflow ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("DROVER_WORKFLOW_ID"),
			},
			&cli.StringFlag{
				Name:  "task-id",
				Usage: "Task identity for checkpoints (defaults to the workflow ID)",
				Value: "",
			},
			&cli.StringFlag{
				Name:    "resource-level",
				Usage:   "Pin the resource level (generous, constrained, critical) instead of sampling the host",
				Value:   "",
				Sources: cli.EnvVars("DROVER_RESOURCE_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			tracerProvider, err := otelhelper.InitTracer(ctx, "drover")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}
			defer func() {
				if err := tracerProvider.Shutdown(ctx); err != nil {
					slog.Error("Failed to shutdown tracer provider", "error", err)
				}
			}()

			def, err := config.LoadDefinition(command.String("definition"))
			if err != nil {
				return err
			}

			workflowID := command.String("workflow-id")
			if workflowID == "" {
				workflowID = fmt.Sprintf("wf-%s", uuid.New().String()[:8])
			}

			taskID := command.String("task-id")
			if taskID == "" {
				taskID = workflowID
			}

			logger := log.WithModule("drover").With("workflow_id", workflowID)

			logger.InfoContext(ctx, "Initializing drover kernel",
				"definition_id", def.ID, "steps", len(def.Steps))

			kernel, err := buildKernel(ctx, command, def, workflowID, taskID, logger)
			if err != nil {
				return err
			}
			defer kernel.Close(ctx, logger)

			return driveWorkflow(ctx, kernel, workflowID, logger)
		},
	}
}

// driveWorkflow runs the progression loop and translates its end into an exit
// status: completion is success, an interrupt leaves a resumable run behind,
// an abort is an error the operator should look at.
func driveWorkflow(ctx context.Context, kernel *kernel, workflowID string, logger *slog.Logger) error {
	if err := kernel.manager.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.WarnContext(ctx, "Run interrupted; state and checkpoints allow resuming",
				"hint", "drover resume --workflow-id "+workflowID)

			return nil
		}

		return fmt.Errorf("workflow run failed: %w", err)
	}

	st := kernel.manager.Status()
	if st == nil {
		return nil
	}

	switch st.Status {
	case models.WorkflowStatusCompleted:
		logger.InfoContext(ctx, "Workflow completed",
			"progress", st.Progress, "revision", st.Revision)

		return nil
	case models.WorkflowStatusAborted:
		reason := "unknown"
		if st.LastError != nil {
			reason = fmt.Sprintf("%s at step %s: %s", st.LastError.Category, st.LastError.StepID, st.LastError.Message)
		}

		return fmt.Errorf("%w: %s", ErrWorkflowAborted, reason)
	default:
		logger.WarnContext(ctx, "Run ended without a terminal status", "status", st.Status)

		return nil
	}
}
