package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// DockerCLI runs sandboxes through the docker command line client.
type DockerCLI struct {
	Binary string
	log    zerolog.Logger
}

// NewDockerCLI creates a runtime that shells out to docker.
func NewDockerCLI(log zerolog.Logger) *DockerCLI {
	return &DockerCLI{
		Binary: "docker",
		log:    log.With().Str("component", "docker-cli").Logger(),
	}
}

// Args builds the docker run arguments for spec.
func (d *DockerCLI) Args(spec Spec) []string {
	p := spec.Policy
	args := []string{
		"run", "--rm", "-i",
		"--name", spec.Name,
		"-v", spec.Workdir + ":" + MountPoint,
		"-w", MountPoint,
		"--cpus", p.CPUs,
		"--memory", p.Memory,
	}

	if p.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(p.PidsLimit, 10))
	}
	if !p.Network {
		args = append(args, "--network=none")
	}

	return append(args, p.Image, "sh", "-c", spec.Command)
}

func (d *DockerCLI) Start(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Not CommandContext: killing the client alone would leave the
	// container running, so termination goes through docker kill.
	cmd := exec.Command(d.Binary, d.Args(spec)...)

	kill := func() error {
		out, err := exec.Command(d.Binary, "kill", spec.Name).CombinedOutput()
		if err != nil {
			return fmt.Errorf("docker kill %s: %w: %s", spec.Name, err, out)
		}
		return nil
	}

	p, err := startCmd(cmd, kill)
	if err != nil {
		return nil, fmt.Errorf("running docker: %w", err)
	}
	d.log.Debug().Str("container", spec.Name).Msg("sandbox started")
	return p, nil
}

// cmdProcess adapts an *exec.Cmd to Process.
type cmdProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	terminate func() error
	killOnce  sync.Once
	killErr   error

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// startCmd wires pipes and starts cmd. terminate, when set, runs before
// the local process is killed.
func startCmd(cmd *exec.Cmd, terminate func() error) (*cmdProcess, error) {
	p := &cmdProcess{cmd: cmd, terminate: terminate}

	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, err
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, err
	}
	if p.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *cmdProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *cmdProcess) Stdout() io.Reader     { return p.stdout }
func (p *cmdProcess) Stderr() io.Reader     { return p.stderr }

func (p *cmdProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err == nil {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
			return
		}
		p.exitCode = -1
		p.waitErr = err
	})
	return p.exitCode, p.waitErr
}

func (p *cmdProcess) Kill() error {
	p.killOnce.Do(func() {
		if p.terminate != nil {
			p.killErr = p.terminate()
		}
		if p.cmd.Process != nil {
			if err := p.cmd.Process.Kill(); err != nil && p.killErr == nil && !errors.Is(err, os.ErrProcessDone) {
				p.killErr = err
			}
		}
	})
	return p.killErr
}
