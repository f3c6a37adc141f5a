package terminal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/gradebox/internal/errs"
	"github.com/michaelbrown/gradebox/internal/execution"
	"github.com/michaelbrown/gradebox/internal/metrics"
	"github.com/michaelbrown/gradebox/internal/sandbox"
)

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateClosed
)

// MsgSessionLimit is sent when a session outlives terminal.max_session.
const MsgSessionLimit = "Session time limit reached"

// keyQueue bounds keystrokes waiting for a program that is not reading.
const keyQueue = 256

// KeyInput maps a key name from the client to what the program should
// read. Named keys other than Enter, Backspace and Tab map to nothing.
func KeyInput(key string) string {
	switch key {
	case "Enter":
		return "\n"
	case "Backspace":
		return "\b"
	case "Tab":
		return "\t"
	}
	if len([]rune(key)) > 1 {
		return ""
	}
	return key
}

// Session is one connection's single sandboxed program. It moves from idle
// to running once and is never restarted.
type Session struct {
	id  string
	reg *Registry
	em  Emitter
	log zerolog.Logger

	state atomic.Int32

	mu     sync.Mutex // guards proc, feeder and disconnected
	proc   sandbox.Process
	feeder *execution.Feeder

	disconnected bool

	emitMu  sync.Mutex // serializes emits; guards emClose
	emClose bool
}

func newSession(id string, reg *Registry, em Emitter) *Session {
	return &Session{
		id:  id,
		reg: reg,
		em:  em,
		log: reg.log.With().Str("conn", id).Logger(),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Running reports whether a program is attached.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Start launches source. A second call while a program has been started is
// ignored and returns false. Validation and launch failures are reported to
// the client as terminal_error followed by a disconnect.
func (s *Session) Start(source, language string) bool {
	if !s.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		s.log.Debug().Msg("ignoring duplicate code frame")
		return false
	}

	lang, err := sandbox.ParseLanguage(language)
	if err != nil {
		s.fail(err)
		return true
	}
	log := s.log.With().Str("language", string(lang)).Logger()

	ws, err := s.reg.workspaces.Create()
	if err != nil {
		s.fail(err)
		return true
	}
	log = log.With().Str("workspace", ws.ID).Logger()

	filename, err := ws.WriteSource(lang, source)
	if err != nil {
		if errs.KindOf(err) != errs.KindResource {
			s.removeWorkspace(ws, log)
		}
		s.fail(err)
		return true
	}

	// The program outlives the code frame that started it, so it is not
	// bound to a request context. Kill ends it.
	p, err := sandbox.Launch(context.Background(), s.reg.rt, ws, lang, filename, s.reg.cfg.Policy)
	if err != nil {
		log.Error().Err(err).Msg("launch failed")
		s.removeWorkspace(ws, log)
		metrics.ExecutionsTotal.WithLabelValues(string(lang), metrics.ModeInteractive, "error").Inc()
		s.fail(err)
		return true
	}

	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		log.Info().Msg("client left during launch, killing sandbox")
		metrics.ForcedKills.WithLabelValues("disconnect").Inc()
		if err := p.Kill(); err != nil {
			log.Error().Err(err).Msg("kill failed")
		}
	} else {
		s.proc = p
		s.feeder = execution.NewFeeder(p.Stdin(), keyQueue, log)
		s.mu.Unlock()
	}

	log.Info().Msg("terminal program started")
	go s.supervise(p, ws, lang, log)
	return true
}

// Input queues one key for the program and echoes it back. It never waits
// on the program's stdin. Keys arriving before a program is attached, after
// it ended, or while the program is not keeping up, are dropped.
func (s *Session) Input(key string) {
	text := KeyInput(key)
	if text == "" {
		return
	}

	s.mu.Lock()
	f := s.feeder
	s.mu.Unlock()
	if f == nil {
		return
	}
	if !f.Send(text) {
		s.log.Debug().Msg("stdin backlog full, dropping key")
		return
	}
	s.output(text)
}

// Disconnect marks the client gone and kills the program if one is still
// attached. Only the first call has an effect.
func (s *Session) Disconnect(reason string) {
	s.state.Store(int32(stateClosed))

	s.mu.Lock()
	already := s.disconnected
	s.disconnected = true
	p := s.proc
	s.mu.Unlock()

	if p == nil || already {
		return
	}
	s.log.Info().Str("reason", reason).Msg("killing terminal program")
	metrics.ForcedKills.WithLabelValues(reason).Inc()
	if err := p.Kill(); err != nil {
		s.log.Error().Err(err).Msg("kill failed")
	}
}

// supervise relays the program's events until it exits, then detaches the
// process and disconnects the client.
func (s *Session) supervise(p sandbox.Process, ws *sandbox.Workspace, lang sandbox.Language, log zerolog.Logger) {
	start := time.Now()
	events := execution.Watch(p)

	var limit <-chan time.Time
	if d := s.reg.cfg.MaxSession; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		limit = t.C
	}

	outcome := "ok"
	for {
		select {
		case <-limit:
			limit = nil
			outcome = "timeout"
			log.Warn().Dur("after", s.reg.cfg.MaxSession).Msg("session time limit reached, killing sandbox")
			s.errorAndClose(MsgSessionLimit)
			s.Disconnect("timeout")

		case ev := <-events:
			switch ev.Kind {
			case execution.EventOutput:
				s.output(ev.Data)

			case execution.EventError:
				s.errorAndClose(ws.Scrub(ev.Data))
				s.Disconnect("stderr")

			case execution.EventExited:
				if ev.ExitCode != 0 {
					s.emitError(execution.ExitMessage(ev.ExitCode))
					if outcome == "ok" {
						outcome = "failed"
					}
				}

				s.mu.Lock()
				f := s.feeder
				s.proc = nil
				s.feeder = nil
				s.mu.Unlock()
				s.state.Store(int32(stateClosed))
				if f != nil {
					f.Stop()
				}
				p.Stdin().Close()
				s.removeWorkspace(ws, log)
				s.closeEmitter()

				d := time.Since(start)
				metrics.ExecutionDuration.WithLabelValues(string(lang), metrics.ModeInteractive).Observe(float64(d.Milliseconds()))
				metrics.ExecutionsTotal.WithLabelValues(string(lang), metrics.ModeInteractive, outcome).Inc()
				log.Info().Int("exit_code", ev.ExitCode).Dur("duration", d).Msg("terminal program finished")
				return
			}
		}
	}
}

func (s *Session) fail(err error) {
	msg := errs.Message(err, "Internal server error")
	s.log.Info().Err(err).Msg("terminal start rejected")
	s.state.Store(int32(stateClosed))
	s.errorAndClose(msg)
}

func (s *Session) output(data string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.emClose {
		return
	}
	if err := s.em.Output(data); err != nil {
		s.log.Debug().Err(err).Msg("emit output")
	}
}

func (s *Session) emitError(data string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.emClose {
		return
	}
	if err := s.em.Error(data); err != nil {
		s.log.Debug().Err(err).Msg("emit error")
	}
}

func (s *Session) errorAndClose(data string) {
	s.emitError(data)
	s.closeEmitter()
}

func (s *Session) closeEmitter() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.emClose {
		return
	}
	s.emClose = true
	s.em.Close()
}

func (s *Session) removeWorkspace(ws *sandbox.Workspace, log zerolog.Logger) {
	if s.reg.cfg.KeepWorkspaces {
		return
	}
	if err := ws.Remove(); err != nil {
		log.Warn().Err(err).Msg("removing workspace")
	}
}
