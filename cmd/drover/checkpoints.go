package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v3"

	"github.com/drover-io/drover/pkg/checkpoint"
	"github.com/drover-io/drover/pkg/cmd"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/resource"
)

func NewCheckpointsCommand() *cli.Command {
	return &cli.Command{
		Name:    "checkpoints",
		Aliases: []string{"cp"},
		Usage:   "Inspect and prune stored checkpoints",
		Commands: []*cli.Command{
			newCheckpointsListCommand(),
			newCheckpointsPruneCommand(),
		},
	}
}

func newCheckpointsListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List a task's checkpoints in sequence order",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "task-id",
				Usage:    "Task whose checkpoints to list",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			manager, closeStore, err := buildCheckpointManager(ctx, command)
			if err != nil {
				return err
			}
			defer closeStore()

			taskID := command.String("task-id")

			cps, err := manager.List(ctx, taskID)
			if err != nil {
				return fmt.Errorf("failed to list checkpoints for task %s: %w", taskID, err)
			}

			if len(cps) == 0 {
				_, _ = fmt.Fprintf(os.Stdout, "No checkpoints stored for task %s.\n", taskID)

				return nil
			}

			_, _ = fmt.Fprintf(os.Stdout, "Checkpoints for task %s:\n", taskID)
			_, _ = fmt.Fprintf(os.Stdout, "  %8s  %-24s %-10s %-20s %10s  %s\n",
				"SEQUENCE", "STEP", "STATUS", "CAPTURED", "SIZE", "NOTES")

			for _, cp := range cps {
				notes := ""
				if cp.Compressed {
					notes = "compressed"
				}

				if _, err := manager.Open(cp); err != nil {
					if notes != "" {
						notes += ", "
					}

					notes += "CORRUPT"
				}

				_, _ = fmt.Fprintf(os.Stdout, "  %8d  %-24s %-10s %-20s %10d  %s\n",
					cp.Sequence, cp.StepID, cp.Status,
					cp.CapturedAt.Format(time.RFC3339), len(cp.Context), notes)
			}

			return nil
		},
	}
}

func newCheckpointsPruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Remove old checkpoints, always retaining the newest ones",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "task-id",
				Usage:    "Task whose checkpoints to prune",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "keep",
				Usage: "Number of newest checkpoints to always retain",
				Value: 5,
			},
			&cli.DurationFlag{
				Name:  "max-age",
				Usage: "Remove checkpoints older than this, outside the keep window",
				Value: 7 * 24 * time.Hour,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			manager, closeStore, err := buildCheckpointManager(ctx, command)
			if err != nil {
				return err
			}
			defer closeStore()

			taskID := command.String("task-id")

			removed, err := manager.Prune(ctx, taskID, command.Int("keep"), command.Duration("max-age"))
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(os.Stdout, "Removed %d checkpoints for task %s.\n", removed, taskID)

			return nil
		},
	}
}

// buildCheckpointManager wires a checkpoint manager for inspection commands,
// which never capture and so never need real pressure sampling.
func buildCheckpointManager(ctx context.Context, command *cli.Command) (*checkpoint.Manager, func(), error) {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("drover").With("action", "checkpoints")

	store, err := cmd.NewPersistence(ctx, logger, databaseURL(command))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	closeStore := func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}

	manager, err := checkpoint.NewManager(store, resource.Static{Level: resource.LevelGenerous}, nil, clockwork.NewRealClock(), logger)
	if err != nil {
		closeStore()

		return nil, nil, fmt.Errorf("failed to build checkpoint manager: %w", err)
	}

	return manager, closeStore, nil
}
