package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/drover-io/drover/pkg/cmd"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/state"
)

func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:    "status",
		Aliases: []string{"st"},
		Usage:   "Inspect the persisted state of a workflow run",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "workflow-id",
				Aliases:  []string{"id"},
				Usage:    "ID of the workflow run to inspect",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("drover").With("action", "status")

			store, err := cmd.NewPersistence(ctx, logger, databaseURL(command))
			if err != nil {
				return fmt.Errorf("failed to open persistence: %w", err)
			}
			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			workflowID := command.String("workflow-id")

			result, err := state.NewManager(store, nil, logger).Load(ctx, workflowID)
			if err != nil {
				return fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
			}

			printWorkflowState(result.State)

			if result.RecoveredFromHistory {
				_, _ = fmt.Fprintf(os.Stdout, "\nNote: the latest record was corrupt; state recovered from revision %d.\n",
					result.RecoveredRevision)
			}

			return nil
		},
	}
}

func printWorkflowState(st *models.WorkflowState) {
	_, _ = fmt.Fprintf(os.Stdout, "Workflow: %s (%s)\n", st.WorkflowID, st.DefinitionID)
	_, _ = fmt.Fprintf(os.Stdout, "Status:   %s\n", st.Status)
	_, _ = fmt.Fprintf(os.Stdout, "Progress: %.0f%% (revision %d)\n", st.Progress*100, st.Revision)
	_, _ = fmt.Fprintf(os.Stdout, "Updated:  %s\n", st.UpdatedAt.Format(time.RFC3339))

	if len(st.ActiveSteps) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "Active:   %v\n", st.ActiveSteps)
	}

	ids := make([]string, 0, len(st.Steps))
	for id := range st.Steps {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	_, _ = fmt.Fprintf(os.Stdout, "\nSteps:\n")
	_, _ = fmt.Fprintf(os.Stdout, "  %-24s %-10s %8s  %s\n", "ID", "STATUS", "ATTEMPTS", "DETAIL")

	for _, id := range ids {
		rec := st.Steps[id]

		detail := rec.LastError
		if detail == "" && rec.CompletedAt != nil && rec.StartedAt != nil {
			detail = rec.CompletedAt.Sub(*rec.StartedAt).Round(time.Millisecond).String()
		}

		_, _ = fmt.Fprintf(os.Stdout, "  %-24s %-10s %8d  %s\n", rec.StepID, rec.Status, rec.Attempts, detail)
	}

	if st.LastError == nil {
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "\nLast error (%s/%s) at step %s:\n  %s\n",
		st.LastError.Category, st.LastError.Severity, st.LastError.StepID, st.LastError.Message)

	if len(st.LastError.Suggestions) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "\nSuggested actions:\n")

		for i, suggestion := range st.LastError.Suggestions {
			_, _ = fmt.Fprintf(os.Stdout, "  %d. %s (confidence %.2f): %s\n",
				i+1, suggestion.Action, suggestion.Confidence, suggestion.Rationale)
		}
	}
}
