package mocks

import (
	"context"

	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockDefinitionRepository is a mock implementation of persistence.DefinitionRepository.
type MockDefinitionRepository struct {
	mock.Mock
}

func (m *MockDefinitionRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	args := m.Called(ctx, definition)

	return args.Error(0)
}

func (m *MockDefinitionRepository) ByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionRepository) Active(ctx context.Context, triggerType string) ([]*models.WorkflowDefinition, error) {
	args := m.Called(ctx, triggerType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockPersistence wires a mock definition repository next to real repositories supplied
// by the test, usually from the memory store.
type MockPersistence struct {
	mock.Mock

	definitions *MockDefinitionRepository
	store       persistence.Persistence
}

func NewMockPersistence(store persistence.Persistence) *MockPersistence {
	return &MockPersistence{
		definitions: &MockDefinitionRepository{},
		store:       store,
	}
}

func (m *MockPersistence) GetMockDefinitionRepository() *MockDefinitionRepository {
	return m.definitions
}

func (m *MockPersistence) DefinitionRepository() persistence.DefinitionRepository {
	return m.definitions
}

func (m *MockPersistence) ExecutionRepository() persistence.ExecutionRepository {
	return m.store.ExecutionRepository()
}

func (m *MockPersistence) JobRepository() persistence.JobRepository {
	return m.store.JobRepository()
}

func (m *MockPersistence) JoinRepository() persistence.JoinRepository {
	return m.store.JoinRepository()
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
