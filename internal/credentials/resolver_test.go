package credentials

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

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

// fakeCredentialRepo keeps one credential per (user, provider) in memory.
type fakeCredentialRepo struct {
	mu    sync.Mutex
	creds map[string]*models.CloudCredential
	saves int
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{creds: map[string]*models.CloudCredential{}}
}

func (f *fakeCredentialRepo) put(c *models.CloudCredential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[c.UserID.String()+"/"+c.Provider] = c
}

func (f *fakeCredentialRepo) Create(ctx context.Context, obj *models.CloudCredential) error {
	f.put(obj)
	return nil
}

func (f *fakeCredentialRepo) GetByID(ctx context.Context, id any, dest *models.CloudCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.creds {
		if c.ID == id {
			*dest = *c
			return nil
		}
	}
	return appErr.New(appErr.CodeNotFound, "entity not found")
}

func (f *fakeCredentialRepo) Update(ctx context.Context, obj *models.CloudCredential) error {
	f.put(obj)
	return nil
}

func (f *fakeCredentialRepo) Delete(ctx context.Context, id any) error { return nil }

func (f *fakeCredentialRepo) GetByUserProvider(ctx context.Context, userID uuid.UUID, provider string, dest *models.CloudCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[userID.String()+"/"+provider]
	if !ok {
		return appErr.Newf(appErr.CodeNotFound, "no %s credentials for user", provider)
	}
	*dest = *c
	return nil
}

func (f *fakeCredentialRepo) SaveToken(ctx context.Context, credentialID uuid.UUID, accessToken string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	for _, c := range f.creds {
		if c.ID == credentialID {
			c.AccessToken = accessToken
			c.TokenExpiry = &expiry
			return nil
		}
	}
	return appErr.New(appErr.CodeNotFound, "credential not found")
}

// fakeSource counts refreshes and can be told to fail.
type fakeSource struct {
	provider string
	fail     bool

	mu        sync.Mutex
	refreshes int
}

func (s *fakeSource) Provider() string { return s.provider }

func (s *fakeSource) Refresh(ctx context.Context, cred *models.CloudCredential) (string, time.Time, error) {
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
	if s.fail {
		return "", time.Time{}, appErr.New(appErr.CodeCredential, "provider rejected refresh token")
	}
	return "fresh-token", time.Now().Add(time.Hour), nil
}

func (s *fakeSource) Env(cred *models.CloudCredential, accessToken string) (map[string]string, error) {
	return map[string]string{"TOKEN": accessToken}, nil
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

func TestResolveStaticCredentialSkipsRefresh(t *testing.T) {
	repo := newFakeCredentialRepo()
	src := &fakeSource{provider: "aws"}
	r := NewResolver(repo, src)

	userID := uuid.New()
	repo.put(&models.CloudCredential{
		ID:          uuid.New(),
		UserID:      userID,
		Provider:    "aws",
		AccessToken: "static",
	})

	mat, err := r.Resolve(context.Background(), userID, uuid.New(), "aws")
	require.NoError(t, err)
	require.Equal(t, "static", mat.Env["TOKEN"])
	require.Zero(t, src.count(), "credentials without a refresh token must never refresh")
}

func TestResolveRefreshesStaleTokenOnce(t *testing.T) {
	repo := newFakeCredentialRepo()
	src := &fakeSource{provider: "gcp"}
	r := NewResolver(repo, src)

	userID := uuid.New()
	expired := time.Now().Add(-time.Minute)
	repo.put(&models.CloudCredential{
		ID:           uuid.New(),
		UserID:       userID,
		Provider:     "gcp",
		AccessToken:  "stale",
		RefreshToken: "refresh-me",
		TokenExpiry:  &expired,
	})

	mat, err := r.Resolve(context.Background(), userID, uuid.New(), "gcp")
	require.NoError(t, err)
	require.Equal(t, "fresh-token", mat.Env["TOKEN"])
	require.Equal(t, 1, src.count())
	require.Equal(t, 1, repo.saves, "refreshed token must be persisted")

	// The persisted token is now fresh; a second resolve must not refresh.
	_, err = r.Resolve(context.Background(), userID, uuid.New(), "gcp")
	require.NoError(t, err)
	require.Equal(t, 1, src.count())
}

func TestResolveRefreshFailureIsCredentialError(t *testing.T) {
	repo := newFakeCredentialRepo()
	src := &fakeSource{provider: "gcp", fail: true}
	r := NewResolver(repo, src)

	userID := uuid.New()
	repo.put(&models.CloudCredential{
		ID:           uuid.New(),
		UserID:       userID,
		Provider:     "gcp",
		RefreshToken: "refresh-me",
	})

	_, err := r.Resolve(context.Background(), userID, uuid.New(), "gcp")
	require.True(t, appErr.IsCode(err, appErr.CodeCredential))
	require.Equal(t, 1, src.count(), "exactly one refresh attempt")
	require.Zero(t, repo.saves)
}

func TestResolveMissingCredential(t *testing.T) {
	r := NewResolver(newFakeCredentialRepo(), &fakeSource{provider: "aws"})
	_, err := r.Resolve(context.Background(), uuid.New(), uuid.New(), "aws")
	require.True(t, appErr.IsCode(err, appErr.CodeCredential))
}

func TestResolveUnsupportedProvider(t *testing.T) {
	r := NewResolver(newFakeCredentialRepo(), &fakeSource{provider: "aws"})
	_, err := r.Resolve(context.Background(), uuid.New(), uuid.New(), "azure")
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestResolveSerializesPerUserProject(t *testing.T) {
	repo := newFakeCredentialRepo()
	src := &fakeSource{provider: "gcp"}
	r := NewResolver(repo, src)

	userID := uuid.New()
	projectID := uuid.New()
	repo.put(&models.CloudCredential{
		ID:           uuid.New(),
		UserID:       userID,
		Provider:     "gcp",
		RefreshToken: "refresh-me",
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), userID, projectID, "gcp")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, src.count(), "serialized resolves must reuse the refreshed token")
}

func TestStale(t *testing.T) {
	soon := time.Now().Add(30 * time.Second)
	later := time.Now().Add(time.Hour)

	cases := []struct {
		name string
		cred models.CloudCredential
		want bool
	}{
		{"no refresh token", models.CloudCredential{AccessToken: "x"}, false},
		{"never fetched", models.CloudCredential{RefreshToken: "r"}, true},
		{"no expiry", models.CloudCredential{RefreshToken: "r", AccessToken: "x"}, true},
		{"inside skew", models.CloudCredential{RefreshToken: "r", AccessToken: "x", TokenExpiry: &soon}, true},
		{"fresh", models.CloudCredential{RefreshToken: "r", AccessToken: "x", TokenExpiry: &later}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, stale(&tc.cred))
		})
	}
}
