package credentials

import (
	"context"
	"encoding/json"
	"time"

	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
)

type awsPayload struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	RoleARN         string `json:"role_arn,omitempty"`
	ExternalID      string `json:"external_id,omitempty"`
}

// AWSSource renders long-lived AWS key material. Role assumption happens
// inside the provisioning templates, so only the base keys and the role
// context are exported.
type AWSSource struct{}

func NewAWSSource() *AWSSource { return &AWSSource{} }

func (s *AWSSource) Provider() string { return "aws" }

func (s *AWSSource) Refresh(ctx context.Context, cred *models.CloudCredential) (string, time.Time, error) {
	return "", time.Time{}, appErr.New(appErr.CodeCredential, "aws credentials are static and cannot be refreshed")
}

func (s *AWSSource) Env(cred *models.CloudCredential, _ string) (map[string]string, error) {
	var p awsPayload
	if err := json.Unmarshal(cred.Payload, &p); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeCredential, "decode aws credential payload failed")
	}
	if p.AccessKeyID == "" || p.SecretAccessKey == "" {
		return nil, appErr.New(appErr.CodeCredential, "aws credential payload incomplete")
	}
	env := map[string]string{
		"AWS_ACCESS_KEY_ID":     p.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": p.SecretAccessKey,
	}
	if p.Region != "" {
		env["AWS_REGION"] = p.Region
		env["AWS_DEFAULT_REGION"] = p.Region
	}
	if p.RoleARN != "" {
		env["TF_VAR_assume_role_arn"] = p.RoleARN
	}
	if p.ExternalID != "" {
		env["TF_VAR_assume_role_external_id"] = p.ExternalID
	}
	return env, nil
}
