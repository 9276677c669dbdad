package mocks

import (
	"context"

	"github.com/dukex/lazypipe/pkg/tracking"
	"github.com/stretchr/testify/mock"
)

// MockSink is a mock implementation of tracking.Sink interface.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) LogRun(ctx context.Context, run tracking.Run) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}
