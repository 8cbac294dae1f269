package postgresql_test

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/careflow/pkg/models"
	"github.com/dukex/careflow/pkg/persistence"
	"github.com/dukex/careflow/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"join_states", "queue_jobs", "workflow_executions", "workflow_definitions", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("careflow_test"),
			postgres.WithUsername("careflow"),
			postgres.WithPassword("careflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func newJob(scheduledFor time.Time) *models.QueueJob {
	return &models.QueueJob{
		ID:            uuid.NewString(),
		WorkflowID:    "wf-1",
		ExecutionID:   "exec-1",
		ResumeNodeID:  "send",
		FromNodeID:    "wait",
		ScheduledFor:  scheduledFor,
		MaxDeliveries: 3,
		Priority:      models.PriorityNormal,
		Tags:          []string{models.TagDelayContinuation},
		Context: models.ExecutionContext{
			Patient:     models.Patient{ID: "p-1", Name: "Kim"},
			TriggerType: models.TriggerSurgeryCompleted,
		},
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"workflow_definitions", "workflow_executions", "queue_jobs", "join_states", "schema_migrations"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestDefinitionRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.DefinitionRepository()

	def := &models.WorkflowDefinition{
		ID:          "wf-1",
		Name:        "post-op",
		TriggerType: models.TriggerSurgeryCompleted,
		IsActive:    true,
		Nodes: []models.Node{
			{ID: "t", Type: models.NodeTypeTrigger, SubType: models.TriggerSurgeryCompleted},
			{ID: "a", Type: models.NodeTypeAction, SubType: models.ActionSendSMS, Config: map[string]any{"template": "hi"}},
		},
		Edges: []models.Edge{{Source: "t", Target: "a"}},
	}
	require.NoError(t, repo.Save(ctx, def))

	loaded, err := repo.ByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, def.Name, loaded.Name)
	assert.Equal(t, def.Edges, loaded.Edges)
	assert.Equal(t, "hi", loaded.Nodes[1].Config["template"])

	def.IsActive = false
	require.NoError(t, repo.Save(ctx, def))

	active, err := repo.Active(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, repo.Delete(ctx, "wf-1"))
	_, err = repo.ByID(ctx, "wf-1")
	assert.True(t, persistence.IsDefinitionNotFound(err))
}

func TestExecutionRepository_OptimisticUpdate(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.ExecutionRepository()

	startedAt := time.Now().UTC().Truncate(time.Millisecond)
	execution := &models.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  "wf-1",
		PatientID:   "p-1",
		Status:      models.ExecutionStatusRunning,
		ActiveNodes: []string{"t"},
		StartedAt:   &startedAt,
		Context:     models.ExecutionContext{Patient: models.Patient{ID: "p-1"}, Custom: map[string]string{"k": "v"}},
	}
	require.NoError(t, repo.Create(ctx, execution))

	stale, err := repo.ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, stale.ActiveNodes)
	assert.Equal(t, "v", stale.Context.Custom["k"])

	execution.Append(models.LogEntry{NodeID: "t", Outcome: models.OutcomeSucceeded, Timestamp: startedAt})
	require.NoError(t, repo.Update(ctx, execution))
	assert.Equal(t, 2, execution.Version)

	stale.Status = models.ExecutionStatusCancelled
	err = repo.Update(ctx, stale)
	assert.True(t, persistence.IsVersionConflict(err))

	loaded, err := repo.ByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, loaded.Status)
	assert.Len(t, loaded.Log, 1)
	assert.Equal(t, 1, loaded.CurrentStepIndex)

	err = repo.Update(ctx, &models.WorkflowExecution{ID: "missing", Version: 1})
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestJobRepository_ConcurrentClaimDue(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.JobRepository()

	now := time.Now().UTC()
	for range 20 {
		require.NoError(t, repo.Create(ctx, newJob(now.Add(-time.Minute))))
	}

	require.NoError(t, repo.Create(ctx, newJob(now.Add(time.Hour))))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)

	for i := range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			jobs, err := repo.ClaimDue(ctx, fmt.Sprintf("worker-%d", i), now, 5*time.Minute, 10)
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()

			for _, job := range jobs {
				seen[job.ID]++
				assert.Equal(t, models.JobStatusClaimed, job.Status)
				assert.Equal(t, 1, job.Deliveries)
			}
		}()
	}

	wg.Wait()
	assert.Len(t, seen, 20)

	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}

	stats, err := repo.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Claimed: 20, Delayed: 1}, stats)
}

func TestJobRepository_ReleaseAndSweep(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.JobRepository()

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := newJob(now)
	require.NoError(t, repo.Create(ctx, job))

	duplicate := *job
	err := repo.Create(ctx, &duplicate)
	assert.True(t, persistence.IsJobAlreadyExists(err))

	claimed, ok, err := repo.Claim(ctx, job.ID, "w1", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "w1", claimed.LockOwner)
	assert.Equal(t, []string{models.TagDelayContinuation}, claimed.Tags)

	_, ok, err = repo.Claim(ctx, job.ID, "w2", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Release(ctx, job.ID, "w2", models.Release{Outcome: models.ReleaseDone}, now)
	assert.True(t, persistence.IsLeaseLost(err))

	swept, err := repo.SweepExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, models.JobStatusQueued, swept[0].Status)

	_, err = repo.Release(ctx, job.ID, "w1", models.Release{Outcome: models.ReleaseDone}, now)
	assert.True(t, persistence.IsLeaseLost(err))

	_, ok, err = repo.Claim(ctx, job.ID, "w3", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	next := now.Add(time.Hour)
	released, err := repo.Release(ctx, job.ID, "w3", models.Release{Outcome: models.ReleaseRequeue, ScheduledFor: next, Error: "timeout"}, now)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, released.Status)
	assert.True(t, next.Equal(released.ScheduledFor))
	assert.Equal(t, "timeout", released.LastError)
	assert.Equal(t, 2, released.Deliveries)

	cancelled, err := repo.CancelByExecution(ctx, "exec-1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	deleted, err := repo.DeleteFinished(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = repo.ByID(ctx, job.ID)
	assert.True(t, persistence.IsJobNotFound(err))
}

func TestJoinRepository_ConcurrentArrivals(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.JoinRepository()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[models.JoinOutcome]int)
	)

	for i := range 3 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcome, err := repo.Arrive(ctx, "exec-1", "join", fmt.Sprintf("edge-%d", i), i == 0, 3)
			assert.NoError(t, err)

			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, outcomes[models.JoinReady])
	assert.Equal(t, 2, outcomes[models.JoinWaiting])

	outcome, err := repo.Arrive(ctx, "exec-1", "join", "edge-1", false, 3)
	require.NoError(t, err)
	assert.Equal(t, models.JoinWaiting, outcome)
}
