package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/terraform-exec/tfexec"
	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
)

// LocalExecutor runs terraform through terraform-exec and image builds
// through the docker CLI, directly on the host. Meant for development and
// single-tenant installs where container isolation is not required.
type LocalExecutor struct {
	timeouts Timeouts
}

var _ Executor = (*LocalExecutor)(nil)

func NewLocalExecutor(timeouts Timeouts) *LocalExecutor {
	return &LocalExecutor{timeouts: timeouts}
}

func (e *LocalExecutor) BuildImage(ctx context.Context, req Request, sink LogSink) (*Result, error) {
	if req.ImageTag == "" {
		return nil, appErr.New(appErr.CodeInvalid, "image tag required for build_image")
	}
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		return nil, Unavailable(err, "docker not found in PATH")
	}

	bound := e.timeouts(models.OpBuildImage)
	runCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	lw := newLineWriter(sink)
	cmd := exec.CommandContext(runCtx, dockerPath, "build", "-t", req.ImageTag, ".")
	cmd.Dir = req.ProjectDir
	cmd.Env = mergeEnv(req.Env)
	cmd.Stdout = lw
	cmd.Stderr = lw

	err = cmd.Run()
	lw.Flush()
	if err != nil {
		if deadlineHit(runCtx, err) {
			return nil, Exceeded(models.OpBuildImage, bound)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, CommandFailed(models.OpBuildImage, exitErr.ExitCode())
		}
		return nil, Unavailable(err, "run docker build failed")
	}
	return &Result{ImageRef: req.ImageTag}, nil
}

func (e *LocalExecutor) Plan(ctx context.Context, req Request, sink LogSink) (*Result, error) {
	bound := e.timeouts(models.OpPlan)
	runCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	tf, lw, err := e.terraform(runCtx, req, sink)
	if err != nil {
		return nil, err
	}
	defer lw.Flush()

	if _, err := tf.Plan(runCtx); err != nil {
		return nil, classifyTerraform(runCtx, err, models.OpPlan, bound)
	}
	return &Result{ExitCode: 0}, nil
}

func (e *LocalExecutor) Apply(ctx context.Context, req Request, sink LogSink) (*Result, error) {
	bound := e.timeouts(models.OpApply)
	runCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	tf, lw, err := e.terraform(runCtx, req, sink)
	if err != nil {
		return nil, err
	}
	defer lw.Flush()

	if err := tf.Apply(runCtx); err != nil {
		return nil, classifyTerraform(runCtx, err, models.OpApply, bound)
	}

	tfOutputs, err := tf.Output(runCtx)
	if err != nil {
		logger.L().Warn("read terraform outputs failed", zap.Error(err))
		return &Result{ExitCode: 0, Outputs: map[string]any{}}, nil
	}
	outputs := make(map[string]any, len(tfOutputs))
	for name, meta := range tfOutputs {
		var v any
		if err := json.Unmarshal(meta.Value, &v); err == nil {
			outputs[name] = v
		}
	}
	return &Result{ExitCode: 0, Outputs: outputs}, nil
}

func (e *LocalExecutor) Destroy(ctx context.Context, req Request, sink LogSink) (*Result, error) {
	bound := e.timeouts(models.OpDestroy)
	runCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	tf, lw, err := e.terraform(runCtx, req, sink)
	if err != nil {
		return nil, err
	}
	defer lw.Flush()

	if err := tf.Destroy(runCtx); err != nil {
		return nil, classifyTerraform(runCtx, err, models.OpDestroy, bound)
	}
	return &Result{ExitCode: 0}, nil
}

func (e *LocalExecutor) terraform(ctx context.Context, req Request, sink LogSink) (*tfexec.Terraform, *lineWriter, error) {
	tfPath, err := exec.LookPath("terraform")
	if err != nil {
		return nil, nil, Unavailable(err, "terraform not found in PATH")
	}
	tf, err := tfexec.NewTerraform(req.ProjectDir, tfPath)
	if err != nil {
		return nil, nil, Unavailable(err, "create terraform executor failed")
	}
	if len(req.Env) > 0 {
		env := map[string]string{}
		for k, v := range req.Env {
			env[k] = v
		}
		if err := tf.SetEnv(env); err != nil {
			return nil, nil, Unavailable(err, "set terraform environment failed")
		}
	}
	lw := newLineWriter(sink)
	tf.SetStdout(lw)
	tf.SetStderr(lw)

	if err := tf.Init(ctx, tfexec.Upgrade(false)); err != nil {
		return nil, nil, Unavailable(err, "terraform init failed")
	}
	return tf, lw, nil
}

// classifyTerraform maps a tfexec error to the sandbox taxonomy: the bound
// expiring wins over the generic command failure.
func classifyTerraform(runCtx context.Context, err error, operationType string, bound time.Duration) error {
	if deadlineHit(runCtx, err) {
		return Exceeded(operationType, bound)
	}
	return appErr.Wrap(err, appErr.CodeCommandFailed, "terraform "+operationType+" failed")
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
