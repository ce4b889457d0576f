package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/launchforge/engine/internal/models"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
)

const (
	sandboxWorkdir = "/workspace"
	outputsFile    = ".tf-outputs.json"

	// Resource limits for provisioning containers.
	sandboxMemoryBytes = 2 * 1024 * 1024 * 1024
	sandboxNanoCPUs    = 2_000_000_000
	sandboxPidsLimit   = 512
)

// Shell scripts run inside the provisioning container. Apply snapshots the
// terraform outputs into the bind-mounted workspace so the host can read
// them after the container exits.
var containerScripts = map[string]string{
	models.OpPlan: "terraform init -input=false -no-color\n" +
		"terraform plan -input=false -no-color",
	models.OpApply: "terraform init -input=false -no-color\n" +
		"terraform apply -auto-approve -input=false -no-color\n" +
		"terraform output -json > " + outputsFile,
	models.OpDestroy: "terraform init -input=false -no-color\n" +
		"terraform destroy -auto-approve -input=false -no-color",
}

// DockerExecutor runs provisioning commands inside short-lived containers
// and builds application images through the daemon's build endpoint.
type DockerExecutor struct {
	cli      *client.Client
	image    string
	timeouts Timeouts
}

var _ Executor = (*DockerExecutor)(nil)

// NewDockerExecutor connects to the local daemon. Daemon reachability is
// only verified per execution, so a temporarily down daemon surfaces as a
// sandbox-unavailable error on the operation, not at startup.
func NewDockerExecutor(image string, timeouts Timeouts) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, Unavailable(err, "create docker client failed")
	}
	return &DockerExecutor{cli: cli, image: image, timeouts: timeouts}, nil
}

func (e *DockerExecutor) BuildImage(ctx context.Context, req Request, sink LogSink) (*Result, error) {
	bound := e.timeouts(models.OpBuildImage)
	runCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	if _, err := e.cli.Ping(runCtx); err != nil {
		return nil, Unavailable(err, "docker daemon unreachable")
	}

	buildCtx, err := archive.TarWithOptions(req.ProjectDir, &archive.TarOptions{})
	if err != nil {
		return nil, Unavailable(err, "package build context failed")
	}
	defer buildCtx.Close()

	tag := req.ImageTag
	if tag == "" {
		return nil, appErr.New(appErr.CodeInvalid, "image tag required for build_image")
	}

	resp, err := e.cli.ImageBuild(runCtx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs(req.Env),
	})
	if err != nil {
		if deadlineHit(runCtx, err) {
			return nil, Exceeded(models.OpBuildImage, bound)
		}
		return nil, Unavailable(err, "start image build failed")
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			if deadlineHit(runCtx, err) {
				return nil, Exceeded(models.OpBuildImage, bound)
			}
			return nil, Unavailable(err, "read build output failed")
		}
		if msg.Error != nil {
			// The daemon ran the build and it failed: a command failure,
			// not an environment one.
			if sink != nil {
				sink(msg.Error.Message)
			}
			return nil, appErr.Newf(appErr.CodeCommandFailed, "image build failed: %s", msg.Error.Message)
		}
		if msg.Stream != "" && sink != nil {
			lw := newLineWriter(sink)
			_, _ = lw.Write([]byte(msg.Stream))
			lw.Flush()
		}
	}

	logger.L().Info("image built", zap.String("tag", tag))
	return &Result{ImageRef: tag}, nil
}

func (e *DockerExecutor) Plan(ctx context.Context, req Request, sink LogSink) (*Result, error) {
	return e.runContainer(ctx, models.OpPlan, req, sink)
}

func (e *DockerExecutor) Apply(ctx context.Context, req Request, sink LogSink) (*Result, error) {
	res, err := e.runContainer(ctx, models.OpApply, req, sink)
	if err != nil {
		return nil, err
	}
	outputs, err := readOutputsFile(filepath.Join(req.ProjectDir, outputsFile))
	if err != nil {
		return nil, err
	}
	res.Outputs = outputs
	return res, nil
}

func (e *DockerExecutor) Destroy(ctx context.Context, req Request, sink LogSink) (*Result, error) {
	return e.runContainer(ctx, models.OpDestroy, req, sink)
}

func (e *DockerExecutor) runContainer(ctx context.Context, operationType string, req Request, sink LogSink) (*Result, error) {
	script, ok := containerScripts[operationType]
	if !ok {
		return nil, appErr.Newf(appErr.CodeInvalid, "no sandbox command for operation %q", operationType)
	}

	bound := e.timeouts(operationType)
	runCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	if _, err := e.cli.Ping(runCtx); err != nil {
		return nil, Unavailable(err, "docker daemon unreachable")
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := e.cli.ContainerCreate(runCtx,
		&container.Config{
			Image:      e.image,
			Cmd:        []string{"sh", "-ec", script},
			Env:        env,
			WorkingDir: sandboxWorkdir,
		},
		&container.HostConfig{
			Binds: []string{req.ProjectDir + ":" + sandboxWorkdir},
			Resources: container.Resources{
				Memory:    sandboxMemoryBytes,
				NanoCPUs:  sandboxNanoCPUs,
				PidsLimit: ptr(int64(sandboxPidsLimit)),
			},
		},
		nil, nil, "")
	if err != nil {
		return nil, Unavailable(err, "create sandbox container failed")
	}
	// Force removal regardless of outcome so a timed-out container does not
	// keep mutating infrastructure in the background.
	defer func() {
		if err := e.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.L().Warn("remove sandbox container failed",
				zap.String("container_id", created.ID), zap.Error(err))
		}
	}()

	if err := e.cli.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return nil, Unavailable(err, "start sandbox container failed")
	}

	logs, err := e.cli.ContainerLogs(runCtx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, Unavailable(err, "attach sandbox logs failed")
	}
	defer logs.Close()

	lw := newLineWriter(sink)
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(lw, lw, logs)
		lw.Flush()
	}()

	statusCh, errCh := e.cli.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if deadlineHit(runCtx, err) {
			return nil, Exceeded(operationType, bound)
		}
		return nil, Unavailable(err, "wait for sandbox container failed")
	case status := <-statusCh:
		<-copied
		if status.StatusCode != 0 {
			return nil, CommandFailed(operationType, int(status.StatusCode))
		}
		return &Result{ExitCode: 0}, nil
	}
}

func buildArgs(env map[string]string) map[string]*string {
	if len(env) == 0 {
		return nil
	}
	args := make(map[string]*string, len(env))
	for k, v := range env {
		args[k] = ptr(v)
	}
	return args
}

// readOutputsFile decodes a `terraform output -json` snapshot into plain
// values keyed by output name.
func readOutputsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "read terraform outputs failed")
	}
	var raw map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode terraform outputs failed")
	}
	outputs := make(map[string]any, len(raw))
	for name, meta := range raw {
		outputs[name] = meta.Value
	}
	return outputs, nil
}

func ptr[T any](v T) *T { return &v }
