// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/michaelbrown/gradebox/internal/sandbox"
)

// KilledExitCode is what Wait reports for a killed fake process.
const KilledExitCode = 137

// Script plays the part of the sandboxed program. It returns the exit code.
// Writes after a kill fail with io.ErrClosedPipe and should be ignored.
type Script func(p *Process) int

// Runtime starts every process with the same Script.
type Runtime struct {
	Script Script
	// StartErr, when set, makes Start fail.
	StartErr error

	mu        sync.Mutex
	specs     []sandbox.Spec
	processes []*Process
}

// Start implements sandbox.Runtime.
func (rt *Runtime) Start(_ context.Context, spec sandbox.Spec) (sandbox.Process, error) {
	if rt.StartErr != nil {
		return nil, rt.StartErr
	}

	p := newProcess(spec)
	rt.mu.Lock()
	rt.specs = append(rt.specs, spec)
	rt.processes = append(rt.processes, p)
	rt.mu.Unlock()

	go func() {
		code := rt.Script(p)
		p.finish(code)
	}()
	return p, nil
}

// Starts returns how many processes were launched.
func (rt *Runtime) Starts() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.specs)
}

// Specs returns the spec of every launch.
func (rt *Runtime) Specs() []sandbox.Spec {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]sandbox.Spec(nil), rt.specs...)
}

// Process returns the i-th launched process.
func (rt *Runtime) Process(i int) *Process {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.processes[i]
}

// Process is a fake sandboxed program connected through io.Pipe.
type Process struct {
	Spec sandbox.Spec

	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	errR   *io.PipeReader
	errW   *io.PipeWriter

	once   sync.Once
	done   chan struct{}
	code   int
	kills  atomic.Int32
	killed chan struct{}
	kill   sync.Once
}

func newProcess(spec sandbox.Spec) *Process {
	p := &Process{
		Spec:   spec,
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.Reader     { return p.outR }
func (p *Process) Stderr() io.Reader     { return p.errR }

func (p *Process) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

// Kill counts every call but only the first one terminates the script.
func (p *Process) Kill() error {
	p.kills.Add(1)
	p.kill.Do(func() {
		close(p.killed)
		p.finish(KilledExitCode)
	})
	return nil
}

// Kills returns how many times Kill was called.
func (p *Process) Kills() int { return int(p.kills.Load()) }

// Killed is closed by the first Kill.
func (p *Process) Killed() <-chan struct{} { return p.killed }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ReadInput reads from the program's stdin.
func (p *Process) ReadInput(b []byte) (int, error) { return p.stdinR.Read(b) }

// ReadAllInput reads stdin until it is closed.
func (p *Process) ReadAllInput() string {
	b, _ := io.ReadAll(p.stdinR)
	return string(b)
}

// Print writes to stdout.
func (p *Process) Print(s string) { io.WriteString(p.outW, s) }

// PrintErr writes to stderr.
func (p *Process) PrintErr(s string) { io.WriteString(p.errW, s) }

func (p *Process) finish(code int) {
	p.once.Do(func() {
		p.code = code
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		p.outW.Close()
		p.errW.Close()
		close(p.done)
	})
}

// ErrStart is a convenience error for Runtime.StartErr.
var ErrStart = errors.New("sandbox unavailable")
