package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// SpawnSpec describes one container to run.
type SpawnSpec struct {
	Name   string
	Image  string
	Mounts []string // host:container bind specs
	Env    []string // KEY=value
	Pull   bool     // pull the image before create
}

// Process is a live container owned by exactly one runner task. The
// runner holds the sole handle; the cooperative close path (the IPC
// sentinel) and the forced kill path never race because both end here.
type Process interface {
	// Stdin returns the write half of the attach stream. Close performs
	// a half-close, delivering EOF to the container's stdin.
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context) (int64, error)
	// Stop requests graceful termination, escalating to SIGKILL after
	// grace.
	Stop(ctx context.Context, grace time.Duration) error
	Kill(ctx context.Context) error
	Remove(ctx context.Context) error
}

// Engine abstracts the container backend so the runner (and its tests)
// never touch the Docker client directly.
type Engine interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// DockerEngine implements Engine against a Docker daemon.
type DockerEngine struct {
	cli *client.Client
}

var _ Engine = (*DockerEngine)(nil)

// NewDockerEngine connects to the daemon using the standard environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: connect: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Spawn creates, attaches, and starts a container per spec. Attach
// happens before start so no early output is lost.
func (e *DockerEngine) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if spec.Pull {
		rc, err := e.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("docker: pull %s: %w", spec.Image, err)
		}
		io.Copy(io.Discard, rc)
		rc.Close()
	}

	created, err := e.cli.ContainerCreate(ctx,
		&containertypes.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Tty:          false,
		},
		&containertypes.HostConfig{Binds: spec.Mounts},
		nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("docker: create: %w", err)
	}

	attach, err := e.cli.ContainerAttach(ctx, created.ID, containertypes.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		e.cli.ContainerRemove(ctx, created.ID, containertypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("docker: attach: %w", err)
	}

	if err := e.cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		attach.Close()
		e.cli.ContainerRemove(ctx, created.ID, containertypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("docker: start: %w", err)
	}

	p := &dockerProcess{cli: e.cli, id: created.ID, attach: attach}
	p.demux()
	return p, nil
}

type dockerProcess struct {
	cli    *client.Client
	id     string
	attach types.HijackedResponse

	stdout *io.PipeReader
	stderr *io.PipeReader
}

// demux splits the multiplexed attach stream into stdout and stderr
// pipes. TTY is always off, so the stdcopy format applies.
func (p *dockerProcess) demux() {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p.stdout, p.stderr = outR, errR
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, p.attach.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()
}

func (p *dockerProcess) Stdin() io.WriteCloser { return stdinHalf{p} }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader     { return p.stderr }

// stdinHalf adapts the hijacked connection's write side: Close delivers
// EOF without tearing down the read side.
type stdinHalf struct{ p *dockerProcess }

func (s stdinHalf) Write(b []byte) (int, error) { return s.p.attach.Conn.Write(b) }
func (s stdinHalf) Close() error                { return s.p.attach.CloseWrite() }

func (p *dockerProcess) Wait(ctx context.Context) (int64, error) {
	statusCh, errCh := p.cli.ContainerWait(ctx, p.id, containertypes.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("docker: wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("docker: wait: %w", err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *dockerProcess) Stop(ctx context.Context, grace time.Duration) error {
	secs := int(grace / time.Second)
	if err := p.cli.ContainerStop(ctx, p.id, containertypes.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("docker: stop: %w", err)
	}
	return nil
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	if err := p.cli.ContainerKill(ctx, p.id, "KILL"); err != nil {
		return fmt.Errorf("docker: kill: %w", err)
	}
	return nil
}

func (p *dockerProcess) Remove(ctx context.Context) error {
	p.attach.Close()
	if err := p.cli.ContainerRemove(ctx, p.id, containertypes.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("docker: remove: %w", err)
	}
	return nil
}
