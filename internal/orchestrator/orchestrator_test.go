package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/launchforge/engine/internal/logstream"
	"github.com/launchforge/engine/internal/models"
	"github.com/launchforge/engine/internal/repofetch"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("info", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

// Canned model responses for a full analyze -> dockerfile -> terraform run.
const (
	analyzeResponse    = `{"language": "javascript", "framework": "express", "port": 3000}`
	dockerfileResponse = "FROM node:22\nCOPY . .\nCMD [\"node\", \"index.js\"]"
	terraformResponse  = `{
		"main.tf": "resource \"aws_lb\" \"app\" {}",
		"outputs.tf": "output \"alb_dns_name\" { value = aws_lb.app.dns_name }",
		"variables.tf": "variable \"region\" {}",
		"provider.tf": "provider \"aws\" {}"
	}`
)

type fakeProducer struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
}

func (p *fakeProducer) Produce(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return "", appErr.New(appErr.CodeGenerationFailed, "no canned response")
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.GenerationSession
}

func newFakeSessionRepo(sessions ...*models.GenerationSession) *fakeSessionRepo {
	r := &fakeSessionRepo{sessions: map[uuid.UUID]*models.GenerationSession{}}
	for _, s := range sessions {
		r.sessions[s.ID] = s
	}
	return r
}

func (r *fakeSessionRepo) Create(ctx context.Context, obj *models.GenerationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj.ID == uuid.Nil {
		obj.ID = uuid.New()
	}
	r.sessions[obj.ID] = obj
	return nil
}

func (r *fakeSessionRepo) GetByID(ctx context.Context, id any, dest *models.GenerationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "entity not found")
	}
	*dest = *s
	return nil
}

func (r *fakeSessionRepo) Update(ctx context.Context, obj *models.GenerationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[obj.ID] = obj
	return nil
}

func (r *fakeSessionRepo) Delete(ctx context.Context, id any) error { return nil }

func (r *fakeSessionRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.GenerationSession, error) {
	return nil, nil
}

func (r *fakeSessionRepo) GetByProject(ctx context.Context, projectID uuid.UUID, dest *models.GenerationSession) error {
	return appErr.New(appErr.CodeNotFound, "no session linked to project")
}

func (r *fakeSessionRepo) UpdateStage(ctx context.Context, sessionID uuid.UUID, stageStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "session not found")
	}
	s.StageStatus = stageStatus
	return nil
}

func (r *fakeSessionRepo) MarkFailed(ctx context.Context, sessionID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "session not found")
	}
	s.StageStatus = models.SessionFailed
	s.Error = reason
	return nil
}

func (r *fakeSessionRepo) SaveGenerationResults(ctx context.Context, sessionID uuid.UUID, projectContext, sharedState, producedFiles datatypes.JSON) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "session not found")
	}
	if projectContext != nil {
		s.ProjectContext = projectContext
	}
	if sharedState != nil {
		s.SharedAgentState = sharedState
	}
	if producedFiles != nil {
		s.ProducedFiles = producedFiles
	}
	return nil
}

func (r *fakeSessionRepo) LinkProject(ctx context.Context, sessionID, projectID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "session not found")
	}
	s.ProjectID = &projectID
	return nil
}

func (r *fakeSessionRepo) get(id uuid.UUID) *models.GenerationSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := *r.sessions[id]
	return &s
}

type fakeWorkflowRepo struct {
	mu     sync.Mutex
	status map[string]string
}

func newFakeWorkflowRepo() *fakeWorkflowRepo {
	return &fakeWorkflowRepo{status: map[string]string{}}
}

func (r *fakeWorkflowRepo) Upsert(ctx context.Context, sessionID uuid.UUID, stage, status string, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[stage] = status
	return nil
}

func (r *fakeWorkflowRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.WorkflowLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.WorkflowLog, 0, len(r.status))
	for stage, status := range r.status {
		out = append(out, models.WorkflowLog{SessionID: sessionID, Stage: stage, Status: status})
	}
	return out, nil
}

type fakeFetcher struct {
	mu     sync.Mutex
	clones int
	dir    string
}

func (f *fakeFetcher) Clone(ctx context.Context, repoURL, token string) (*repofetch.Checkout, error) {
	f.mu.Lock()
	f.clones++
	f.mu.Unlock()
	dir := filepath.Join(f.dir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"shop"}`), 0o644); err != nil {
		return nil, err
	}
	return &repofetch.Checkout{
		Dir:    dir,
		Branch: "main",
		Files:  []repofetch.File{{Path: "package.json", Size: 15}},
	}, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clones
}

func newTestOrchestrator(t *testing.T, sessions *fakeSessionRepo, workflow *fakeWorkflowRepo, producer *fakeProducer) (*Orchestrator, *logstream.MemoryStore, *fakeFetcher) {
	t.Helper()
	store := logstream.NewMemoryStore()
	streamer := logstream.NewStreamer(store, logstream.NewBus(logstream.NewHub(), nil))
	fetcher := &fakeFetcher{dir: t.TempDir()}
	return New(sessions, workflow, streamer, fetcher, producer, nil), store, fetcher
}

func TestOrchestratorRunsFullPipeline(t *testing.T) {
	sess := &models.GenerationSession{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		RepositoryURL: "https://github.com/acme/shop.git",
		CloudProvider: "aws",
		StageStatus:   models.SessionStarted,
	}
	sessions := newFakeSessionRepo(sess)
	workflow := newFakeWorkflowRepo()
	producer := &fakeProducer{responses: []string{analyzeResponse, dockerfileResponse, terraformResponse}}
	orch, store, fetcher := newTestOrchestrator(t, sessions, workflow, producer)

	require.NoError(t, orch.Run(context.Background(), sess.ID))

	got := sessions.get(sess.ID)
	require.Equal(t, models.SessionCompleted, got.StageStatus)
	require.Equal(t, 1, fetcher.count())

	for _, stage := range []string{models.StageAnalyze, models.StageGenerate, models.StageUpload, models.StageComplete} {
		require.Equal(t, models.StageSuccess, workflow.status[stage], stage)
	}

	var files []models.ProducedFile
	require.NoError(t, json.Unmarshal(got.ProducedFiles, &files))
	require.Len(t, files, 5, "Dockerfile plus four terraform files")
	require.Equal(t, "Dockerfile", files[0].Path)

	var pc map[string]any
	require.NoError(t, json.Unmarshal(got.ProjectContext, &pc))
	require.Equal(t, "javascript", pc["language"])

	entries, err := store.ListSince(context.Background(), logstream.SessionScope(sess.ID), 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.Equal(t, "session completed", last.Content)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.Seq, "session log must be gapless")
	}
}

func TestOrchestratorResumesAfterAnalyze(t *testing.T) {
	state, _ := json.Marshal(map[string]any{
		"project_context": map[string]any{"language": "javascript"},
	})
	sess := &models.GenerationSession{
		ID:               uuid.New(),
		RepositoryURL:    "https://github.com/acme/shop.git",
		CloudProvider:    "aws",
		StageStatus:      models.SessionGenerating,
		SharedAgentState: state,
	}
	sessions := newFakeSessionRepo(sess)
	workflow := newFakeWorkflowRepo()
	workflow.status[models.StageAnalyze] = models.StageSuccess

	// Only the two generation steps may consult the model.
	producer := &fakeProducer{responses: []string{dockerfileResponse, terraformResponse}}
	orch, _, fetcher := newTestOrchestrator(t, sessions, workflow, producer)

	require.NoError(t, orch.Run(context.Background(), sess.ID))
	require.Equal(t, models.SessionCompleted, sessions.get(sess.ID).StageStatus)
	require.Zero(t, fetcher.count(), "a completed analysis stage must not be replayed")
}

func TestOrchestratorRegeneratesWhenArtifactsMissing(t *testing.T) {
	state, _ := json.Marshal(map[string]any{
		"project_context": map[string]any{"language": "javascript"},
	})
	sess := &models.GenerationSession{
		ID:               uuid.New(),
		RepositoryURL:    "https://github.com/acme/shop.git",
		CloudProvider:    "aws",
		StageStatus:      models.SessionGenerating,
		SharedAgentState: state,
	}
	sessions := newFakeSessionRepo(sess)
	workflow := newFakeWorkflowRepo()
	workflow.status[models.StageAnalyze] = models.StageSuccess
	// Generate is marked done, but no artifacts were persisted: the previous
	// run died between the stage marker and the artifact write.
	workflow.status[models.StageGenerate] = models.StageSuccess

	producer := &fakeProducer{responses: []string{dockerfileResponse, terraformResponse}}
	orch, _, _ := newTestOrchestrator(t, sessions, workflow, producer)

	require.NoError(t, orch.Run(context.Background(), sess.ID))
	got := sessions.get(sess.ID)
	require.Equal(t, models.SessionCompleted, got.StageStatus)

	var files []models.ProducedFile
	require.NoError(t, json.Unmarshal(got.ProducedFiles, &files))
	require.NotEmpty(t, files)
}

func TestOrchestratorFailsSessionOnStepError(t *testing.T) {
	sess := &models.GenerationSession{
		ID:            uuid.New(),
		RepositoryURL: "https://github.com/acme/shop.git",
		CloudProvider: "aws",
		StageStatus:   models.SessionStarted,
	}
	sessions := newFakeSessionRepo(sess)
	workflow := newFakeWorkflowRepo()
	producer := &fakeProducer{errs: []error{appErr.New(appErr.CodeGenerationFailed, "model unavailable")}}
	orch, store, _ := newTestOrchestrator(t, sessions, workflow, producer)

	err := orch.Run(context.Background(), sess.ID)
	require.Error(t, err)

	got := sessions.get(sess.ID)
	require.Equal(t, models.SessionFailed, got.StageStatus)
	require.Equal(t, "model unavailable", got.Error)
	require.Equal(t, models.StageError, workflow.status[models.StageAnalyze])

	entries, listErr := store.ListSince(context.Background(), logstream.SessionScope(sess.ID), 0)
	require.NoError(t, listErr)
	require.Equal(t, "session failed: model unavailable", entries[len(entries)-1].Content)
}

func TestOrchestratorTerminalSessionIsNoOp(t *testing.T) {
	sess := &models.GenerationSession{
		ID:          uuid.New(),
		StageStatus: models.SessionCompleted,
	}
	sessions := newFakeSessionRepo(sess)
	workflow := newFakeWorkflowRepo()
	producer := &fakeProducer{}
	orch, _, fetcher := newTestOrchestrator(t, sessions, workflow, producer)

	require.NoError(t, orch.Run(context.Background(), sess.ID))
	require.Zero(t, fetcher.count())
	require.Empty(t, workflow.status)
}
