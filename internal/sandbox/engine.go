package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// Engine runs sandboxes through the Docker Engine API.
type Engine struct {
	cli *client.Client
	log zerolog.Logger
}

// NewEngine connects to the daemon configured in the environment.
func NewEngine(log zerolog.Logger) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Engine{cli: cli, log: log.With().Str("component", "docker-engine").Logger()}, nil
}

// Close releases the client connection.
func (e *Engine) Close() error {
	return e.cli.Close()
}

// EnsureImage pulls img unless it is already present.
func (e *Engine) EnsureImage(ctx context.Context, img string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	e.log.Info().Str("image", img).Msg("pulling docker image")
	reader, err := e.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is consumed.
	_, _ = io.Copy(io.Discard, reader)

	e.log.Info().Str("image", img).Msg("pulled docker image")
	return nil
}

func (e *Engine) Start(ctx context.Context, spec Spec) (Process, error) {
	p := spec.Policy
	nanoCPUs, err := p.NanoCPUs()
	if err != nil {
		return nil, err
	}
	memory, err := p.MemoryBytes()
	if err != nil {
		return nil, err
	}

	hostCfg := &container.HostConfig{
		Binds:      []string{spec.Workdir + ":" + MountPoint},
		AutoRemove: true,
		Resources: container.Resources{
			NanoCPUs:   nanoCPUs,
			Memory:     memory,
			MemorySwap: memory, // no swap
		},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if p.PidsLimit > 0 {
		limit := p.PidsLimit
		hostCfg.Resources.PidsLimit = &limit
	}
	if !p.Network {
		hostCfg.NetworkMode = "none"
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:           p.Image,
		Cmd:             []string{"sh", "-c", spec.Command},
		WorkingDir:      MountPoint,
		OpenStdin:       true,
		StdinOnce:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !p.Network,
	}, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	hijack, err := e.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		e.remove(resp.ID)
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}

	// Registered before start so an AutoRemove container cannot vanish
	// before its exit status is observed.
	waitC, errC := e.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijack.Close()
		e.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, hijack.Reader)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	e.log.Debug().Str("container", resp.ID).Str("name", spec.Name).Msg("sandbox started")

	return &engineProcess{
		engine: e,
		id:     resp.ID,
		hijack: hijack,
		stdout: outR,
		stderr: errR,
		waitC:  waitC,
		errC:   errC,
	}, nil
}

func (e *Engine) remove(id string) {
	if err := e.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
		e.log.Warn().Err(err).Str("container", id).Msg("removing container")
	}
}

type engineProcess struct {
	engine *Engine
	id     string
	hijack types.HijackedResponse
	stdout *io.PipeReader
	stderr *io.PipeReader
	waitC  <-chan container.WaitResponse
	errC   <-chan error

	killOnce sync.Once
	killErr  error

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func (p *engineProcess) Stdin() io.WriteCloser { return hijackStdin{p.hijack} }
func (p *engineProcess) Stdout() io.Reader     { return p.stdout }
func (p *engineProcess) Stderr() io.Reader     { return p.stderr }

func (p *engineProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		defer p.hijack.Close()
		select {
		case res := <-p.waitC:
			p.exitCode = int(res.StatusCode)
			if res.Error != nil && res.Error.Message != "" {
				p.waitErr = fmt.Errorf("waiting for container: %s", res.Error.Message)
			}
		case err := <-p.errC:
			p.exitCode = -1
			p.waitErr = fmt.Errorf("waiting for container: %w", err)
		}
	})
	return p.exitCode, p.waitErr
}

func (p *engineProcess) Kill() error {
	p.killOnce.Do(func() {
		p.killErr = p.engine.cli.ContainerKill(context.Background(), p.id, "KILL")
	})
	return p.killErr
}

// hijackStdin writes to the attached connection; Close half-closes it so
// the program sees EOF while output keeps flowing.
type hijackStdin struct {
	resp types.HijackedResponse
}

func (h hijackStdin) Write(b []byte) (int, error) { return h.resp.Conn.Write(b) }
func (h hijackStdin) Close() error                { return h.resp.CloseWrite() }
