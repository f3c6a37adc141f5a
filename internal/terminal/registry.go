// Package terminal runs interactive programs for live terminal connections.
package terminal

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/gradebox/internal/metrics"
	"github.com/michaelbrown/gradebox/internal/sandbox"
)

// Emitter is the client end of a session.
type Emitter interface {
	// Output sends program output or echoed keystrokes.
	Output(data string) error
	// Error sends a fatal condition.
	Error(data string) error
	// Close force-disconnects the client.
	Close() error
}

// Config holds the limits interactive sessions run under.
type Config struct {
	Policy         sandbox.Policy
	MaxSession     time.Duration // zero means no ceiling
	KeepWorkspaces bool
}

// Registry maps live connections to their sessions. Sessions are only ever
// touched by key.
type Registry struct {
	sessions   *xsync.MapOf[string, *Session]
	rt         sandbox.Runtime
	workspaces *sandbox.WorkspaceManager
	cfg        Config
	log        zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(rt sandbox.Runtime, workspaces *sandbox.WorkspaceManager, cfg Config, log zerolog.Logger) *Registry {
	return &Registry{
		sessions:   xsync.NewMapOf[string, *Session](),
		rt:         rt,
		workspaces: workspaces,
		cfg:        cfg,
		log:        log.With().Str("component", "terminal").Logger(),
	}
}

// Open registers a new idle session for a connection. Opening an id that is
// already registered returns the existing session.
func (r *Registry) Open(connID string, em Emitter) *Session {
	s, loaded := r.sessions.LoadOrStore(connID, newSession(connID, r, em))
	if !loaded {
		metrics.ActiveTerminals.Inc()
		r.log.Debug().Str("conn", connID).Msg("terminal opened")
	}
	return s
}

// Get returns the session of a connection.
func (r *Registry) Get(connID string) (*Session, bool) {
	return r.sessions.Load(connID)
}

// Close removes the session of a disconnected client and kills its
// process if one is still attached.
func (r *Registry) Close(connID string) {
	s, ok := r.sessions.LoadAndDelete(connID)
	if !ok {
		return
	}
	metrics.ActiveTerminals.Dec()
	s.Disconnect("disconnect")
	r.log.Debug().Str("conn", connID).Msg("terminal closed")
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// CloseAll tears down every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(id string, s *Session) bool {
		if _, ok := r.sessions.LoadAndDelete(id); ok {
			metrics.ActiveTerminals.Dec()
			s.Disconnect("shutdown")
			s.closeEmitter()
		}
		return true
	})
}
