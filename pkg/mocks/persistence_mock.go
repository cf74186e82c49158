// Package mocks provides testify mocks for the kernel's collaborator
// interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
)

// MockPersistence is a mock implementation of the persistence.Persistence
// interface.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) PutLatest(ctx context.Context, workflowID string, env *persistence.Envelope) error {
	args := m.Called(ctx, workflowID, env)

	return args.Error(0)
}

func (m *MockPersistence) GetLatest(ctx context.Context, workflowID string) (*persistence.Envelope, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.Envelope), args.Error(1)
}

func (m *MockPersistence) AppendHistory(ctx context.Context, workflowID string, env *persistence.Envelope) error {
	args := m.Called(ctx, workflowID, env)

	return args.Error(0)
}

func (m *MockPersistence) History(ctx context.Context, workflowID string) ([]*persistence.Envelope, error) {
	args := m.Called(ctx, workflowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*persistence.Envelope), args.Error(1)
}

func (m *MockPersistence) ListWorkflows(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]string), args.Error(1)
}

func (m *MockPersistence) DeleteState(ctx context.Context, workflowID string) error {
	args := m.Called(ctx, workflowID)

	return args.Error(0)
}

func (m *MockPersistence) AppendCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	args := m.Called(ctx, checkpoint)

	return args.Error(0)
}

func (m *MockPersistence) Checkpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Checkpoint), args.Error(1)
}

func (m *MockPersistence) LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Checkpoint), args.Error(1)
}

func (m *MockPersistence) PruneCheckpoints(ctx context.Context, taskID string, keep int, olderThan time.Time) (int, error) {
	args := m.Called(ctx, taskID, keep, olderThan)

	return args.Int(0), args.Error(1)
}

func (m *MockPersistence) BumpOutcome(ctx context.Context, category models.ErrorCategory, action string, success bool) error {
	args := m.Called(ctx, category, action, success)

	return args.Error(0)
}

func (m *MockPersistence) OutcomeStats(ctx context.Context, category models.ErrorCategory, action string) (models.ActionStats, error) {
	args := m.Called(ctx, category, action)
	if args.Get(0) == nil {
		return models.ActionStats{}, args.Error(1)
	}

	return args.Get(0).(models.ActionStats), args.Error(1)
}

func (m *MockPersistence) AllOutcomes(ctx context.Context) ([]models.ActionStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.ActionStats), args.Error(1)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
