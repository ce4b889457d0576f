package services

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

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

func (r *fakeSessionRepo) Update(ctx context.Context, obj *models.GenerationSession) error { return nil }
func (r *fakeSessionRepo) Delete(ctx context.Context, id any) error                       { return nil }

func (r *fakeSessionRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.GenerationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.GenerationSession
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) GetByProject(ctx context.Context, projectID uuid.UUID, dest *models.GenerationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ProjectID != nil && *s.ProjectID == projectID {
			*dest = *s
			return nil
		}
	}
	return appErr.New(appErr.CodeNotFound, "no session linked to project")
}

func (r *fakeSessionRepo) UpdateStage(ctx context.Context, sessionID uuid.UUID, stageStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.StageStatus = stageStatus
		return nil
	}
	return appErr.New(appErr.CodeNotFound, "session not found")
}

func (r *fakeSessionRepo) MarkFailed(ctx context.Context, sessionID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.StageStatus = models.SessionFailed
		s.Error = reason
		return nil
	}
	return appErr.New(appErr.CodeNotFound, "session not found")
}

func (r *fakeSessionRepo) SaveGenerationResults(ctx context.Context, sessionID uuid.UUID, projectContext, sharedState, producedFiles datatypes.JSON) error {
	return nil
}

func (r *fakeSessionRepo) LinkProject(ctx context.Context, sessionID, projectID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.ProjectID = &projectID
		return nil
	}
	return appErr.New(appErr.CodeNotFound, "session not found")
}

type fakeProjectRepo struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*models.Project
	statuses map[uuid.UUID]string
}

func newFakeProjectRepo(projects ...*models.Project) *fakeProjectRepo {
	r := &fakeProjectRepo{
		projects: map[uuid.UUID]*models.Project{},
		statuses: map[uuid.UUID]string{},
	}
	for _, p := range projects {
		r.projects[p.ID] = p
	}
	return r
}

func (r *fakeProjectRepo) Create(ctx context.Context, obj *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj.ID == uuid.Nil {
		obj.ID = uuid.New()
	}
	r.projects[obj.ID] = obj
	return nil
}

func (r *fakeProjectRepo) GetByID(ctx context.Context, id any, dest *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id.(uuid.UUID)]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "entity not found")
	}
	*dest = *p
	return nil
}

func (r *fakeProjectRepo) Update(ctx context.Context, obj *models.Project) error { return nil }
func (r *fakeProjectRepo) Delete(ctx context.Context, id any) error              { return nil }

func (r *fakeProjectRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Project
	for _, p := range r.projects {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *fakeProjectRepo) UpdateDeploymentStatus(ctx context.Context, projectID uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[projectID] = status
	if p, ok := r.projects[projectID]; ok {
		p.DeploymentStatus = status
	}
	return nil
}

func (r *fakeProjectRepo) SaveOutputs(ctx context.Context, projectID uuid.UUID, applicationURL string, outputs datatypes.JSON) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.projects[projectID]; ok {
		p.ApplicationURL = applicationURL
		p.Outputs = outputs
	}
	return nil
}

func (r *fakeProjectRepo) ClearOutputs(ctx context.Context, projectID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.projects[projectID]; ok {
		p.ApplicationURL = ""
		p.Outputs = nil
	}
	return nil
}

func (r *fakeProjectRepo) status(projectID uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[projectID]
}

const producedFilesJSON = `[
	{"path": "Dockerfile", "content": "FROM node:22"},
	{"path": "terraform/main.tf", "content": "resource \"aws_lb\" \"app\" {}"}
]`

func TestSessionCreate(t *testing.T) {
	userID := uuid.New()

	t.Run("creates and skips enqueue without a client", func(t *testing.T) {
		repo := newFakeSessionRepo()
		svc := NewSessionService(repo, newFakeProjectRepo(), nil)

		sess, err := svc.Create(context.Background(), userID, &CreateSessionInput{
			RepositoryURL: "https://github.com/acme/shop.git",
			CloudProvider: "gcp",
		})
		require.NoError(t, err)
		require.Equal(t, models.SessionStarted, sess.StageStatus)
		require.Equal(t, "gcp", sess.CloudProvider)
	})

	t.Run("rejects unsupported provider", func(t *testing.T) {
		svc := NewSessionService(newFakeSessionRepo(), newFakeProjectRepo(), nil)
		_, err := svc.Create(context.Background(), userID, &CreateSessionInput{
			RepositoryURL: "https://github.com/acme/shop.git",
			CloudProvider: "azure",
		})
		require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	})
}

func TestSessionGetEnforcesOwnership(t *testing.T) {
	owner := uuid.New()
	sess := &models.GenerationSession{ID: uuid.New(), UserID: owner, StageStatus: models.SessionStarted}
	svc := NewSessionService(newFakeSessionRepo(sess), newFakeProjectRepo(), nil)

	got, err := svc.Get(context.Background(), sess.ID, owner)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)

	_, err = svc.Get(context.Background(), sess.ID, uuid.New())
	require.True(t, appErr.IsCode(err, appErr.CodeUnauthorized))
}

func TestSessionAccept(t *testing.T) {
	userID := uuid.New()

	completed := func() *models.GenerationSession {
		return &models.GenerationSession{
			ID:            uuid.New(),
			UserID:        userID,
			RepositoryURL: "https://github.com/acme/Shop-API.git",
			CloudProvider: "aws",
			StageStatus:   models.SessionCompleted,
			ProducedFiles: datatypes.JSON(producedFilesJSON),
		}
	}

	t.Run("creates and links the project", func(t *testing.T) {
		sess := completed()
		sessions := newFakeSessionRepo(sess)
		projects := newFakeProjectRepo()
		svc := NewSessionService(sessions, projects, nil)

		project, err := svc.Accept(context.Background(), sess.ID, userID, &AcceptSessionInput{})
		require.NoError(t, err)
		require.Equal(t, "shop-api", project.Name, "name defaults to the repository name")
		require.Equal(t, models.ProjectGenerated, project.DeploymentStatus)
		require.NotNil(t, sess.ProjectID)
		require.Equal(t, project.ID, *sess.ProjectID)
	})

	t.Run("rejects a session that is not completed", func(t *testing.T) {
		sess := completed()
		sess.StageStatus = models.SessionGenerating
		svc := NewSessionService(newFakeSessionRepo(sess), newFakeProjectRepo(), nil)

		_, err := svc.Accept(context.Background(), sess.ID, userID, &AcceptSessionInput{})
		require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	})

	t.Run("rejects a session without artifacts", func(t *testing.T) {
		sess := completed()
		sess.ProducedFiles = datatypes.JSON("null")
		svc := NewSessionService(newFakeSessionRepo(sess), newFakeProjectRepo(), nil)

		_, err := svc.Accept(context.Background(), sess.ID, userID, &AcceptSessionInput{})
		require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	})

	t.Run("rejects double acceptance", func(t *testing.T) {
		sess := completed()
		linked := uuid.New()
		sess.ProjectID = &linked
		svc := NewSessionService(newFakeSessionRepo(sess), newFakeProjectRepo(), nil)

		_, err := svc.Accept(context.Background(), sess.ID, userID, &AcceptSessionInput{})
		require.True(t, appErr.IsCode(err, appErr.CodeConflict))
	})
}

func TestRepoName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/shop.git":  "shop",
		"https://github.com/acme/Shop-API":  "shop-api",
		"git@github.com:acme/shop.git":      "shop",
		"https://github.com/acme/shop/":     "shop",
		"":                                  "project",
	}
	for in, want := range cases {
		require.Equal(t, want, repoName(in), in)
	}
}
