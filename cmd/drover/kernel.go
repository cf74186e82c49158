package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	cli "github.com/urfave/cli/v3"

	"github.com/drover-io/drover/pkg/checkpoint"
	"github.com/drover-io/drover/pkg/cmd"
	"github.com/drover-io/drover/pkg/eventbus"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
	"github.com/drover-io/drover/pkg/progression"
	"github.com/drover-io/drover/pkg/recovery"
	"github.com/drover-io/drover/pkg/resource"
	"github.com/drover-io/drover/pkg/resume"
	"github.com/drover-io/drover/pkg/state"
)

// kernel bundles the wired collaborators a drive command needs.
type kernel struct {
	manager  *progression.Manager
	state    *state.Manager
	resumer  *resume.Handler
	store    persistence.Persistence
	eventBus eventbus.EventBus
}

// buildKernel assembles the full orchestration stack for one workflow run:
// persistence by URL scheme, the in-process event bus, the executor registry
// with plugins, and the progression manager over all of them.
func buildKernel(ctx context.Context, command *cli.Command, def *models.WorkflowDefinition, workflowID, taskID string, logger *slog.Logger) (*kernel, error) {
	registry, err := cmd.NewRegistry(logger, command.String("plugins-path"))
	if err != nil {
		return nil, fmt.Errorf("failed to load executor plugins: %w", err)
	}

	eventBus, err := cmd.NewEventBus(logger)
	if err != nil {
		return nil, err
	}

	store, err := cmd.NewPersistence(ctx, logger, databaseURL(command))
	if err != nil {
		closeEventBus(ctx, eventBus, logger)

		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	signal, err := resourceSignal(command, logger)
	if err != nil {
		closeAll(ctx, eventBus, store, logger)

		return nil, err
	}

	clock := clockwork.NewRealClock()

	checkpoints, err := checkpoint.NewManager(store, signal, eventBus, clock, logger)
	if err != nil {
		closeAll(ctx, eventBus, store, logger)

		return nil, fmt.Errorf("failed to build checkpoint manager: %w", err)
	}

	stateManager := state.NewManager(store, eventBus, logger)
	resumer := resume.NewHandler(checkpoints, logger)

	manager, err := progression.NewManager(progression.Config{
		Definition:  def,
		WorkflowID:  workflowID,
		TaskID:      taskID,
		State:       stateManager,
		Checkpoints: checkpoints,
		Resume:      resumer,
		Recovery:    recovery.NewManager(store, logger),
		Registry:    registry,
		EventBus:    eventBus,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		closeAll(ctx, eventBus, store, logger)

		return nil, err
	}

	return &kernel{
		manager:  manager,
		state:    stateManager,
		resumer:  resumer,
		store:    store,
		eventBus: eventBus,
	}, nil
}

func (k *kernel) Close(ctx context.Context, logger *slog.Logger) {
	closeAll(ctx, k.eventBus, k.store, logger)
}

func closeAll(ctx context.Context, eventBus eventbus.EventBus, store persistence.Persistence, logger *slog.Logger) {
	closeEventBus(ctx, eventBus, logger)

	if err := store.Close(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}

func closeEventBus(ctx context.Context, eventBus eventbus.EventBus, logger *slog.Logger) {
	if err := eventBus.Close(); err != nil {
		logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}
}

// resourceSignal picks the pressure signal driving checkpoint cadence: a
// pinned level when the operator overrides it, host sampling otherwise.
func resourceSignal(command *cli.Command, logger *slog.Logger) (resource.Signal, error) {
	if override := command.String("resource-level"); override != "" {
		level, err := resource.ParseLevel(override)
		if err != nil {
			return nil, err
		}

		return resource.Static{Level: level}, nil
	}

	return resource.NewSystemSignal(logger), nil
}
