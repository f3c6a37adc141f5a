package sandbox

import (
	"context"
	"io"
)

// MountPoint is where the workspace directory appears inside the sandbox.
const MountPoint = "/usr/src"

// Spec describes one isolated compile-and-run invocation.
type Spec struct {
	Name    string // unique per execution, used to address the sandbox when killing it
	Workdir string // host directory bind-mounted read-write at MountPoint
	Command string // shell pipeline run with sh -c inside MountPoint
	Policy  Policy
}

// Process is a running sandboxed program.
//
// Stdout and Stderr must be read to EOF before Wait is called. Kill is
// idempotent: only the first call signals the sandbox.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (int, error)
	Kill() error
}

// Runtime starts sandboxed processes. Start returns as soon as the process
// is running and never waits for it to finish.
type Runtime interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}
