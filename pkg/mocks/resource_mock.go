package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/drover-io/drover/pkg/resource"
)

// MockSignal is a mock implementation of the resource.Signal interface.
type MockSignal struct {
	mock.Mock
}

func (m *MockSignal) Sample(ctx context.Context) (resource.Level, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return "", args.Error(1)
	}

	return args.Get(0).(resource.Level), args.Error(1)
}
