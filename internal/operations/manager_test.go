package operations

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/launchforge/engine/internal/logstream"
	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("info", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockOperationRepo struct {
	mock.Mock
}

func (m *mockOperationRepo) BeginRun(ctx context.Context, projectID uuid.UUID, operationType string) (*models.DeploymentOperation, error) {
	args := m.Called(ctx, projectID, operationType)
	if v := args.Get(0); v != nil {
		return v.(*models.DeploymentOperation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOperationRepo) AppendLogLine(ctx context.Context, operationID uuid.UUID, line string) error {
	args := m.Called(ctx, operationID, line)
	return args.Error(0)
}

func (m *mockOperationRepo) CompleteRun(ctx context.Context, operationID uuid.UUID, status string, metadata map[string]any, duration time.Duration) error {
	args := m.Called(ctx, operationID, status, metadata, duration)
	return args.Error(0)
}

func (m *mockOperationRepo) Get(ctx context.Context, projectID uuid.UUID, operationType string) (*models.DeploymentOperation, error) {
	args := m.Called(ctx, projectID, operationType)
	if v := args.Get(0); v != nil {
		return v.(*models.DeploymentOperation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOperationRepo) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.DeploymentOperation, error) {
	args := m.Called(ctx, projectID)
	if v := args.Get(0); v != nil {
		return v.([]models.DeploymentOperation), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestManager(repo *mockOperationRepo) (*Manager, *logstream.MemoryStore) {
	store := logstream.NewMemoryStore()
	streamer := logstream.NewStreamer(store, logstream.NewBus(logstream.NewHub(), nil))
	return NewManager(repo, streamer), store
}

func TestManagerBegin(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	opID := uuid.New()

	t.Run("claims the slot", func(t *testing.T) {
		repo := &mockOperationRepo{}
		mgr, _ := newTestManager(repo)

		repo.On("BeginRun", mock.Anything, projectID, "plan").
			Return(&models.DeploymentOperation{ID: opID, ProjectID: projectID, OperationType: "plan", Status: models.OpRunning}, nil).Once()

		h, err := mgr.Begin(ctx, projectID, "plan")
		require.NoError(t, err)
		require.Equal(t, opID, h.OperationID)
		require.Equal(t, logstream.OperationScope(projectID, "plan"), h.Scope())
		repo.AssertExpectations(t)
	})

	t.Run("propagates conflict without side effects", func(t *testing.T) {
		repo := &mockOperationRepo{}
		mgr, store := newTestManager(repo)

		repo.On("BeginRun", mock.Anything, projectID, "apply").
			Return(nil, appErr.New(appErr.CodeConflict, "operation apply already running for project")).Once()

		h, err := mgr.Begin(ctx, projectID, "apply")
		require.Nil(t, h)
		require.True(t, appErr.IsCode(err, appErr.CodeConflict))

		entries, err := store.ListSince(ctx, logstream.OperationScope(projectID, "apply"), 0)
		require.NoError(t, err)
		require.Empty(t, entries)
		repo.AssertExpectations(t)
	})
}

func TestManagerAttach(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	opID := uuid.New()
	started := time.Now().UTC().Add(-time.Minute)

	t.Run("rebuilds handle for running operation", func(t *testing.T) {
		repo := &mockOperationRepo{}
		mgr, _ := newTestManager(repo)

		repo.On("Get", mock.Anything, projectID, "plan").
			Return(&models.DeploymentOperation{ID: opID, ProjectID: projectID, OperationType: "plan", Status: models.OpRunning, StartedAt: started}, nil).Once()

		h, err := mgr.Attach(ctx, projectID, "plan")
		require.NoError(t, err)
		require.Equal(t, opID, h.OperationID)
		repo.AssertExpectations(t)
	})

	t.Run("rejects non-running operation", func(t *testing.T) {
		repo := &mockOperationRepo{}
		mgr, _ := newTestManager(repo)

		repo.On("Get", mock.Anything, projectID, "plan").
			Return(&models.DeploymentOperation{ID: opID, Status: models.OpSuccess}, nil).Once()

		_, err := mgr.Attach(ctx, projectID, "plan")
		require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
		repo.AssertExpectations(t)
	})
}

func TestManagerAppendLogPreservesOrder(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	repo := &mockOperationRepo{}
	mgr, store := newTestManager(repo)

	repo.On("BeginRun", mock.Anything, projectID, "plan").
		Return(&models.DeploymentOperation{ID: uuid.New(), ProjectID: projectID, OperationType: "plan", Status: models.OpRunning}, nil).Once()

	h, err := mgr.Begin(ctx, projectID, "plan")
	require.NoError(t, err)

	for _, line := range []string{"terraform init", "terraform plan", "done"} {
		require.NoError(t, mgr.AppendLog(ctx, h, line))
	}

	entries, err := store.ListSince(ctx, h.Scope(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, want := range []string{"terraform init", "terraform plan", "done"} {
		require.Equal(t, int64(i+1), entries[i].Seq)
		require.Equal(t, want, entries[i].Content)
	}
}

func TestManagerCompleteExactlyOnce(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	opID := uuid.New()
	repo := &mockOperationRepo{}
	mgr, _ := newTestManager(repo)

	repo.On("BeginRun", mock.Anything, projectID, "destroy").
		Return(&models.DeploymentOperation{ID: opID, ProjectID: projectID, OperationType: "destroy", Status: models.OpRunning}, nil).Once()
	repo.On("CompleteRun", mock.Anything, opID, models.OpSuccess, mock.Anything, mock.Anything).
		Return(nil).Once()

	h, err := mgr.Begin(ctx, projectID, "destroy")
	require.NoError(t, err)

	require.NoError(t, mgr.Complete(ctx, h, models.OpSuccess, nil, 3*time.Second))

	err = mgr.Complete(ctx, h, models.OpError, nil, 0)
	require.True(t, appErr.IsCode(err, appErr.CodeConflict), "second completion must be rejected")
	repo.AssertExpectations(t)
}

func TestManagerCompleteRetriesAfterFailedWrite(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	opID := uuid.New()
	repo := &mockOperationRepo{}
	mgr, _ := newTestManager(repo)

	repo.On("BeginRun", mock.Anything, projectID, "apply").
		Return(&models.DeploymentOperation{ID: opID, ProjectID: projectID, OperationType: "apply", Status: models.OpRunning}, nil).Once()
	repo.On("CompleteRun", mock.Anything, opID, models.OpSuccess, mock.Anything, mock.Anything).
		Return(appErr.New(appErr.CodeInternal, "complete operation failed")).Once()
	repo.On("CompleteRun", mock.Anything, opID, models.OpSuccess, mock.Anything, mock.Anything).
		Return(nil).Once()

	h, err := mgr.Begin(ctx, projectID, "apply")
	require.NoError(t, err)

	err = mgr.Complete(ctx, h, models.OpSuccess, nil, time.Second)
	require.True(t, appErr.IsCode(err, appErr.CodeInternal))

	// The failed write must not consume the once flag: the record is still
	// running, so a retry has to be able to resolve it.
	require.NoError(t, mgr.Complete(ctx, h, models.OpSuccess, nil, time.Second))

	err = mgr.Complete(ctx, h, models.OpSuccess, nil, time.Second)
	require.True(t, appErr.IsCode(err, appErr.CodeConflict), "after a successful write the flag holds")
	repo.AssertExpectations(t)
}

// sealableStore rejects appends once its scope is sealed, mirroring the
// durable store's refusal to grow logs on a non-running record.
type sealableStore struct {
	*logstream.MemoryStore
	sealed map[string]bool
}

func (s *sealableStore) Append(ctx context.Context, e logstream.Entry) (int64, error) {
	if s.sealed[e.Scope] {
		return 0, appErr.New(appErr.CodeNotFound, "operation not running")
	}
	return s.MemoryStore.Append(ctx, e)
}

func TestManagerRejectsStragglerAppendAfterCompletion(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	opID := uuid.New()
	repo := &mockOperationRepo{}

	store := &sealableStore{MemoryStore: logstream.NewMemoryStore(), sealed: map[string]bool{}}
	streamer := logstream.NewStreamer(store, logstream.NewBus(logstream.NewHub(), nil))
	mgr := NewManager(repo, streamer)

	repo.On("BeginRun", mock.Anything, projectID, "plan").
		Return(&models.DeploymentOperation{ID: opID, ProjectID: projectID, OperationType: "plan", Status: models.OpRunning}, nil).Once()
	repo.On("CompleteRun", mock.Anything, opID, models.OpSuccess, mock.Anything, mock.Anything).
		Return(nil).Once()

	h, err := mgr.Begin(ctx, projectID, "plan")
	require.NoError(t, err)
	require.NoError(t, mgr.AppendLog(ctx, h, "terraform plan"))

	require.NoError(t, mgr.Complete(ctx, h, models.OpSuccess, nil, time.Second))
	store.sealed[h.Scope()] = true

	err = mgr.AppendLog(ctx, h, "late line")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))

	entries, err := store.ListSince(ctx, h.Scope(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1, "terminal record must not grow")
	repo.AssertExpectations(t)
}

func TestManagerGetValidatesType(t *testing.T) {
	repo := &mockOperationRepo{}
	mgr, _ := newTestManager(repo)

	_, err := mgr.Get(context.Background(), uuid.New(), "teardown")
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	repo.AssertNotCalled(t, "Get")
}
