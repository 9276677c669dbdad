package mocks

import (
	"context"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of cache.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Exists(ctx context.Context, key cache.Key) (bool, error) {
	args := m.Called(ctx, key)

	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Get(ctx context.Context, key cache.Key) (*cache.Entry, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*cache.Entry), args.Error(1)
}

func (m *MockStore) Put(ctx context.Context, entry *cache.Entry) error {
	args := m.Called(ctx, entry)

	return args.Error(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
