package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/otelhelper"
	"github.com/drover-io/drover/pkg/state"
)

// ErrNothingToResume reports a resume attempt with no interrupted run behind
// it.
var ErrNothingToResume = errors.New("nothing to resume")

func NewResumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "Continue an interrupted workflow run from its persisted state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "definition",
				Aliases:  []string{"f"},
				Usage:    "Path to the workflow definition document (YAML or JSON)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "workflow-id",
				Aliases:  []string{"id"},
				Usage:    "ID of the workflow run to resume",
				Required: true,
				Sources:  cli.EnvVars("DROVER_WORKFLOW_ID"),
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

			taskID := command.String("task-id")
			if taskID == "" {
				taskID = workflowID
			}

			logger := log.WithModule("drover").With("workflow_id", workflowID)

			kernel, err := buildKernel(ctx, command, def, workflowID, taskID, logger)
			if err != nil {
				return err
			}
			defer kernel.Close(ctx, logger)

			res, err := kernel.state.Load(ctx, workflowID)
			if err != nil {
				if state.IsNotFound(err) {
					return fmt.Errorf("%w: workflow %s has no persisted state", ErrNothingToResume, workflowID)
				}

				return fmt.Errorf("failed to load workflow state: %w", err)
			}

			if res.State.Status.IsTerminal() {
				return fmt.Errorf("%w: workflow %s already ended as %s", ErrNothingToResume, workflowID, res.State.Status)
			}

			ok, reason := kernel.resumer.CanResume(ctx, taskID)

			logger.InfoContext(ctx, "Resuming workflow run",
				"status", res.State.Status,
				"progress", res.State.Progress,
				"checkpoint_available", ok,
				"checkpoint", reason)

			return driveWorkflow(ctx, kernel, workflowID, logger)
		},
	}
}
