package mocks

import (
	"context"
	"time"

	"github.com/dukex/careflow/pkg/messaging"
	"github.com/stretchr/testify/mock"
)

// MockSender is a mock implementation of messaging.Sender.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg messaging.Message) messaging.Result {
	args := m.Called(ctx, msg)

	return args.Get(0).(messaging.Result)
}

// MockKeyStore is a mock implementation of messaging.KeyStore.
type MockKeyStore struct {
	mock.Mock
}

func (m *MockKeyStore) Get(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)

	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockKeyStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, value, ttl)

	return args.Bool(0), args.Error(1)
}

func (m *MockKeyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)

	return args.Error(0)
}

func (m *MockKeyStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)

	return args.Error(0)
}
