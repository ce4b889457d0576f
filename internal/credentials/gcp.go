package credentials

import (
	"context"
	"encoding/json"
	"time"

	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

type gcpPayload struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	ProjectID    string `json:"project_id"`
	Region       string `json:"region,omitempty"`
}

// GCPSource refreshes user OAuth tokens via the standard Google token
// endpoint and exports them the way the Terraform provider expects.
type GCPSource struct{}

func NewGCPSource() *GCPSource { return &GCPSource{} }

func (s *GCPSource) Provider() string { return "gcp" }

func (s *GCPSource) Refresh(ctx context.Context, cred *models.CloudCredential) (string, time.Time, error) {
	if cred.RefreshToken == "" {
		return "", time.Time{}, appErr.New(appErr.CodeCredential, "gcp credential has no refresh token")
	}
	var p gcpPayload
	if err := json.Unmarshal(cred.Payload, &p); err != nil {
		return "", time.Time{}, appErr.Wrap(err, appErr.CodeCredential, "decode gcp credential payload failed")
	}
	conf := &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return "", time.Time{}, appErr.Wrap(err, appErr.CodeCredential, "gcp token refresh failed")
	}
	return tok.AccessToken, tok.Expiry.UTC(), nil
}

func (s *GCPSource) Env(cred *models.CloudCredential, accessToken string) (map[string]string, error) {
	var p gcpPayload
	if err := json.Unmarshal(cred.Payload, &p); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeCredential, "decode gcp credential payload failed")
	}
	if accessToken == "" {
		return nil, appErr.New(appErr.CodeCredential, "gcp access token missing")
	}
	env := map[string]string{
		"GOOGLE_OAUTH_ACCESS_TOKEN": accessToken,
	}
	if p.ProjectID != "" {
		env["GOOGLE_PROJECT"] = p.ProjectID
	}
	if p.Region != "" {
		env["GOOGLE_REGION"] = p.Region
	}
	return env, nil
}
