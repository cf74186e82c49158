package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/drover-io/drover/pkg/protocol"
)

// MockStepExecutor is a mock implementation of the protocol.StepExecutor
// interface.
type MockStepExecutor struct {
	mock.Mock
}

func (m *MockStepExecutor) Execute(ctx context.Context, req protocol.ExecutionRequest) (*protocol.StepResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*protocol.StepResult), args.Error(1)
}

// MockExecutorFactory is a mock implementation of the
// protocol.ExecutorFactory interface.
type MockExecutorFactory struct {
	mock.Mock
}

func (m *MockExecutorFactory) ID() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockExecutorFactory) Create(config map[string]any) (protocol.StepExecutor, error) {
	args := m.Called(config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(protocol.StepExecutor), args.Error(1)
}

// MockIsolationProvider is a mock implementation of the
// protocol.IsolationProvider interface.
type MockIsolationProvider struct {
	mock.Mock
}

func (m *MockIsolationProvider) Acquire(ctx context.Context, taskID, stepID string) (protocol.IsolationHandle, error) {
	args := m.Called(ctx, taskID, stepID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(protocol.IsolationHandle), args.Error(1)
}

// MockIsolationHandle is a mock implementation of the
// protocol.IsolationHandle interface.
type MockIsolationHandle struct {
	mock.Mock
}

func (m *MockIsolationHandle) Path() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockIsolationHandle) Release(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockAdvisoryProvider is a mock implementation of the
// protocol.AdvisoryProvider interface.
type MockAdvisoryProvider struct {
	mock.Mock
}

func (m *MockAdvisoryProvider) Consult(ctx context.Context, req protocol.AdvisoryRequest) (*protocol.AdvisoryReport, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*protocol.AdvisoryReport), args.Error(1)
}
