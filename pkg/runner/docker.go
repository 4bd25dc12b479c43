// Package runner executes container steps through the Docker API.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/pkg/artifacts"
	"github.com/conveyorci/conveyor/pkg/executor"
	"github.com/conveyorci/conveyor/pkg/utils"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

const containerWorkDir = "/work"

type DockerRunnerOptions struct {
	ShowImagePull bool
	Stdout        io.Writer
	Stderr        io.Writer
}

// DockerRunner runs one step's script inside a fresh container, copies the
// declared artifact paths out through the artifact store and removes the
// container afterwards.
type DockerRunner struct {
	name            string
	image           string
	script          string
	env             []string
	src             string
	timeout         time.Duration
	artifactPaths   []string
	buildID         string
	stage           string
	artifactManager artifacts.Manager
	logOptions      DockerRunnerOptions
}

func NewDockerRunner(name string, artifactManager artifacts.Manager, logOptions DockerRunnerOptions) *DockerRunner {
	if logOptions.Stdout == nil {
		logOptions.Stdout = os.Stdout
	}
	if logOptions.Stderr == nil {
		logOptions.Stderr = os.Stderr
	}

	return &DockerRunner{
		name:            slug.Make(name + "-" + uuid.NewString()),
		artifactManager: artifactManager,
		logOptions:      logOptions,
	}
}

func (d *DockerRunner) WithImage(image string) *DockerRunner {
	d.image = image
	return d
}

// WithSrc copies the given host directory into the container working
// directory before the script runs.
func (d *DockerRunner) WithSrc(src string) *DockerRunner {
	d.src = src
	return d
}

func (d *DockerRunner) WithScript(script string) *DockerRunner {
	d.script = script
	return d
}

func (d *DockerRunner) WithEnv(env []string) *DockerRunner {
	d.env = env
	return d
}

func (d *DockerRunner) WithTimeout(timeout time.Duration) *DockerRunner {
	d.timeout = timeout
	return d
}

func (d *DockerRunner) CreatesArtifacts(paths []string) *DockerRunner {
	d.artifactPaths = paths
	return d
}

// ForBuild attributes published artifacts to a build and stage.
func (d *DockerRunner) ForBuild(buildID, stage string) *DockerRunner {
	d.buildID = buildID
	d.stage = stage
	return d
}

// Run executes the container and reports the same result shape as a host
// command, so the engine treats both step kinds uniformly.
func (d *DockerRunner) Run(ctx context.Context) executor.StepResult {
	started := time.Now()

	result := d.run(ctx)
	result.StartedAt = started
	result.Duration = time.Since(started)
	result.Attempts = 1
	return result
}

func (d *DockerRunner) run(ctx context.Context) executor.StepResult {
	runCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return spawnError(fmt.Errorf("unable to create docker client for %s: %w", d.name, err))
	}
	defer cli.Close()

	reader, err := cli.ImagePull(runCtx, d.image, types.ImagePullOptions{})
	if err != nil {
		return spawnError(fmt.Errorf("unable to pull image %s for %s: %w", d.image, d.name, err))
	}
	defer reader.Close()
	pullOut := io.Discard
	if d.logOptions.ShowImagePull {
		pullOut = d.logOptions.Stdout
	}
	if _, err := io.Copy(pullOut, reader); err != nil {
		return spawnError(fmt.Errorf("unable to read image pull logs for %s: %w", d.name, err))
	}

	resp, err := cli.ContainerCreate(runCtx, &container.Config{
		Image:      d.image,
		Env:        d.env,
		Cmd:        []string{"/bin/sh", "-c", d.script},
		WorkingDir: containerWorkDir,
	}, nil, nil, nil, d.name)
	if err != nil {
		return spawnError(fmt.Errorf("unable to create container %s: %w", d.name, err))
	}
	removeCtx := context.Background()
	defer cli.ContainerRemove(removeCtx, resp.ID, types.ContainerRemoveOptions{Force: true})

	if d.src != "" {
		srcTar, err := utils.TarDir(d.src)
		if err != nil {
			return spawnError(fmt.Errorf("unable to pack source for %s: %w", d.name, err))
		}
		if err := cli.CopyToContainer(runCtx, resp.ID, containerWorkDir, srcTar, types.CopyToContainerOptions{}); err != nil {
			return spawnError(fmt.Errorf("unable to copy source into container %s: %w", d.name, err))
		}
	}

	if err := cli.ContainerStart(runCtx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return spawnError(fmt.Errorf("unable to start container %s: %w", d.name, err))
	}

	logs, err := cli.ContainerLogs(runCtx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return spawnError(fmt.Errorf("unable to attach logs for %s: %w", d.name, err))
	}
	defer logs.Close()

	var capture capped
	go io.Copy(io.MultiWriter(&capture, d.logOptions.Stdout), logs)

	statusCh, errCh := cli.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return spawnError(fmt.Errorf("error waiting for container %s to stop: %w", d.name, err))
	case status := <-statusCh:
		result := executor.StepResult{
			Outcome:  executor.OutcomeOK,
			ExitCode: int(status.StatusCode),
			Output:   capture.String(),
		}
		if status.StatusCode != 0 {
			result.Outcome = executor.OutcomeNonZeroExit
			return result
		}
		if err := d.publishArtifacts(removeCtx, cli, resp.ID); err != nil {
			result.Outcome = executor.OutcomeSpawnError
			result.Err = err
		}
		return result
	case <-runCtx.Done():
		outcome := executor.OutcomeTimedOut
		if ctx.Err() != nil {
			outcome = executor.OutcomeCanceled
		}
		return executor.StepResult{
			Outcome:  outcome,
			ExitCode: -1,
			Output:   capture.String(),
		}
	}
}

func (d *DockerRunner) publishArtifacts(ctx context.Context, cli *client.Client, containerID string) error {
	for _, path := range d.artifactPaths {
		r, _, err := cli.CopyFromContainer(ctx, containerID, path)
		if err != nil {
			return fmt.Errorf("could not copy artifact %s from container %s: %w", path, d.name, err)
		}
		_, err = d.artifactManager.PublishFile(d.buildID, d.stage, "file", r)
		r.Close()
		if err != nil {
			return fmt.Errorf("could not publish artifact %s for %s: %w", path, d.name, err)
		}
	}
	return nil
}

func spawnError(err error) executor.StepResult {
	return executor.StepResult{
		Outcome:  executor.OutcomeSpawnError,
		ExitCode: -1,
		Err:      err,
	}
}

// capped mirrors the executor's output cap for container logs. It is written
// from the log-follow goroutine and read after the wait returns, so access is
// locked.
type capped struct {
	lock sync.Mutex
	buf  []byte
}

func (c *capped) Write(p []byte) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	n := len(p)
	remaining := executor.DefaultMaxOutputBytes - len(c.buf)
	if remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		c.buf = append(c.buf, p...)
	}
	return n, nil
}

func (c *capped) String() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return string(c.buf)
}
