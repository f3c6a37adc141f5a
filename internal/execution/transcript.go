package execution

import (
	"fmt"
	"strings"
)

// Transcript accumulates everything a terminal would have shown: program
// output, scrubbed error output, echoed input and the exit status line.
type Transcript struct {
	b     strings.Builder
	scrub func(string) string
}

// NewTranscript creates a transcript that passes stderr through scrub.
func NewTranscript(scrub func(string) string) *Transcript {
	if scrub == nil {
		scrub = func(s string) string { return s }
	}
	return &Transcript{scrub: scrub}
}

// Stdout appends a stdout chunk verbatim.
func (t *Transcript) Stdout(s string) { t.b.WriteString(s) }

// Stderr appends a stderr chunk with host paths removed.
func (t *Transcript) Stderr(s string) { t.b.WriteString(t.scrub(s)) }

// Echo appends injected input.
func (t *Transcript) Echo(s string) { t.b.WriteString(s) }

// Exit appends the status line for a non-zero exit code.
func (t *Transcript) Exit(code int) {
	if code != 0 {
		t.b.WriteString(ExitMessage(code))
	}
}

func (t *Transcript) String() string { return t.b.String() }

// ExitMessage is the status line reported for a failed program.
func ExitMessage(code int) string {
	return fmt.Sprintf("Program exited with code: %d", code)
}
