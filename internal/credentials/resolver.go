// Package credentials resolves stored cloud credentials into the
// environment injected into provisioning commands, refreshing short-lived
// tokens as needed.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/models"
	"github.com/launchforge/engine/internal/repository"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
)

// Refresh when less than this much validity remains.
const expirySkew = 2 * time.Minute

// Material is the resolved, ready-to-use credential set for one provider.
type Material struct {
	Provider string
	Env      map[string]string
}

// TokenSource knows how to refresh and render credentials for one provider.
type TokenSource interface {
	Provider() string
	// Refresh exchanges the stored refresh material for a new access token.
	Refresh(ctx context.Context, cred *models.CloudCredential) (token string, expiry time.Time, err error)
	// Env renders the environment for provisioning commands.
	Env(cred *models.CloudCredential, accessToken string) (map[string]string, error)
}

// Resolver loads credentials and keeps them fresh. Resolutions for the same
// (user, project) pair are serialized so concurrent operations cannot race a
// refresh and clobber each other's tokens.
type Resolver struct {
	creds   repository.CredentialRepository
	sources map[string]TokenSource

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewResolver(creds repository.CredentialRepository, sources ...TokenSource) *Resolver {
	r := &Resolver{
		creds:   creds,
		sources: make(map[string]TokenSource, len(sources)),
		locks:   map[string]*sync.Mutex{},
	}
	for _, s := range sources {
		r.sources[s.Provider()] = s
	}
	return r
}

func (r *Resolver) keyLock(userID, projectID uuid.UUID) *sync.Mutex {
	key := fmt.Sprintf("%s/%s", userID, projectID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[key] = l
	return l
}

// Resolve returns usable credential material for the user's provider
// account. A stale token gets exactly one refresh attempt; if that fails
// the operation fails with a credential error rather than retrying with
// possibly-revoked material.
func (r *Resolver) Resolve(ctx context.Context, userID, projectID uuid.UUID, provider string) (*Material, error) {
	src, ok := r.sources[provider]
	if !ok {
		return nil, appErr.Newf(appErr.CodeInvalid, "unsupported cloud provider %q", provider)
	}

	lock := r.keyLock(userID, projectID)
	lock.Lock()
	defer lock.Unlock()

	var cred models.CloudCredential
	if err := r.creds.GetByUserProvider(ctx, userID, provider, &cred); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return nil, appErr.Wrap(err, appErr.CodeCredential, "no cloud credentials configured")
		}
		return nil, err
	}

	token := cred.AccessToken
	if stale(&cred) {
		refreshed, expiry, err := src.Refresh(ctx, &cred)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeCredential, "credential refresh failed")
		}
		if err := r.creds.SaveToken(ctx, cred.ID, refreshed, expiry); err != nil {
			return nil, err
		}
		logger.L().Info("credential token refreshed",
			zap.String("user_id", userID.String()),
			zap.String("provider", provider),
			zap.Time("expiry", expiry),
		)
		token = refreshed
		cred.AccessToken = refreshed
		cred.TokenExpiry = &expiry
	}

	env, err := src.Env(&cred, token)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeCredential, "render credential environment failed")
	}
	return &Material{Provider: provider, Env: env}, nil
}

// stale reports whether the cached access token needs a refresh. Static
// credential sets carry no refresh token and are never stale.
func stale(c *models.CloudCredential) bool {
	if c.RefreshToken == "" {
		return false
	}
	if c.AccessToken == "" || c.TokenExpiry == nil {
		return true
	}
	return time.Until(*c.TokenExpiry) < expirySkew
}
