// Package execution drives a sandboxed process to completion: it turns the
// process streams into an ordered event feed, drip-feeds input, enforces the
// startup and execution deadlines and aggregates the transcript.
package execution

import (
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/gradebox/internal/sandbox"
)

// EventKind tags an Event.
type EventKind int

const (
	// EventOutput is a chunk read from stdout.
	EventOutput EventKind = iota
	// EventError is a chunk read from stderr.
	EventError
	// EventExited is the last event: both streams are drained and the
	// process has been reaped.
	EventExited
)

// Event is one observation of a running process.
type Event struct {
	Kind     EventKind
	Data     string
	ExitCode int
	Err      error
}

const chunkSize = 4096

// Watch reads the process streams and publishes them as events. The channel
// is closed right after the EventExited event.
func Watch(p sandbox.Process) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		var g errgroup.Group
		g.Go(func() error { return pump(p.Stdout(), EventOutput, events) })
		g.Go(func() error { return pump(p.Stderr(), EventError, events) })
		streamErr := g.Wait()

		code, err := p.Wait()
		if err == nil {
			err = streamErr
		}
		events <- Event{Kind: EventExited, ExitCode: code, Err: err}
	}()

	return events
}

func pump(r io.Reader, kind EventKind, events chan<- Event) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			events <- Event{Kind: kind, Data: string(buf[:n])}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}
