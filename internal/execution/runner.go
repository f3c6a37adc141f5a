package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/gradebox/internal/errs"
	"github.com/michaelbrown/gradebox/internal/metrics"
	"github.com/michaelbrown/gradebox/internal/sandbox"
)

// MinInputInterval is the smallest accepted delay between injection ticks.
const MinInputInterval = 500 * time.Millisecond

// feederQueue bounds the words waiting for a program that reads slowly.
const feederQueue = 64

// Timing holds the two deadlines every graded execution runs under.
type Timing struct {
	Startup time.Duration // grace period before the first injection tick
	Execute time.Duration // hard ceiling measured from launch
}

// GradedRun is one batch execution against pre-supplied input.
type GradedRun struct {
	Language sandbox.Language
	Source   string
	Inputs   string
	Interval time.Duration
}

// Result is what a graded execution produced.
type Result struct {
	Output   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes graded runs in fresh workspaces.
type Runner struct {
	rt         sandbox.Runtime
	workspaces *sandbox.WorkspaceManager
	policy     sandbox.Policy
	timing     Timing
	keep       bool
	log        zerolog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithKeepWorkspaces leaves workspaces on disk after execution.
func WithKeepWorkspaces(keep bool) RunnerOption {
	return func(r *Runner) { r.keep = keep }
}

// NewRunner creates a Runner.
func NewRunner(rt sandbox.Runtime, workspaces *sandbox.WorkspaceManager, policy sandbox.Policy, timing Timing, log zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		rt:         rt,
		workspaces: workspaces,
		policy:     policy,
		timing:     timing,
		log:        log.With().Str("component", "runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timing returns the deadlines the runner applies.
func (r *Runner) Timing() Timing { return r.timing }

// RunGraded writes the source, launches it and drives it to completion.
// Compile errors, runtime failures and timeouts are not errors: they end up
// in the transcript. A canceled ctx kills the sandbox and returns the
// partial result together with ctx.Err().
func (r *Runner) RunGraded(ctx context.Context, run GradedRun) (*Result, error) {
	ws, err := r.workspaces.Create()
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(string(run.Language), metrics.ModeGraded, "error").Inc()
		return nil, err
	}
	log := r.log.With().Str("workspace", ws.ID).Str("language", string(run.Language)).Logger()

	filename, err := ws.WriteSource(run.Language, run.Source)
	if err != nil {
		if errs.KindOf(err) == errs.KindResource {
			log.Error().Err(err).Str("path", ws.Path).Msg("writing source failed, workspace kept")
		} else {
			r.cleanup(ws, log)
		}
		metrics.ExecutionsTotal.WithLabelValues(string(run.Language), metrics.ModeGraded, "error").Inc()
		return nil, err
	}
	defer r.cleanup(ws, log)

	start := time.Now()
	p, err := sandbox.Launch(ctx, r.rt, ws, run.Language, filename, r.policy)
	if err != nil {
		log.Error().Err(err).Msg("launch failed")
		metrics.ExecutionsTotal.WithLabelValues(string(run.Language), metrics.ModeGraded, "error").Inc()
		return nil, err
	}
	log.Debug().Str("file", filename).Msg("sandbox started")

	res, err := r.supervise(ctx, p, ws, run, log)
	res.Duration = time.Since(start)

	metrics.ExecutionDuration.WithLabelValues(string(run.Language), metrics.ModeGraded).Observe(float64(res.Duration.Milliseconds()))
	metrics.ExecutionsTotal.WithLabelValues(string(run.Language), metrics.ModeGraded, outcome(res)).Inc()
	log.Info().
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Dur("duration", res.Duration).
		Msg("execution finished")
	return res, err
}

// supervise is the single coordinating loop of one execution. Every timer
// it creates is stopped before it returns.
func (r *Runner) supervise(ctx context.Context, p sandbox.Process, ws *sandbox.Workspace, run GradedRun, log zerolog.Logger) (*Result, error) {
	interval := run.Interval
	if interval <= 0 {
		interval = MinInputInterval
	}

	transcript := NewTranscript(ws.Scrub)
	injector := NewInjector(run.Inputs)
	events := Watch(p)
	stdin := p.Stdin()
	feeder := NewFeeder(stdin, feederQueue, log)

	startup := time.NewTimer(r.timing.Startup)
	defer startup.Stop()
	deadline := time.NewTimer(r.timing.Execute)
	defer deadline.Stop()

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		feeder.Stop()
		stdin.Close()
	}()

	res := &Result{}
	var ctxErr error
	done := ctx.Done()
	deadlineC := deadline.C

	for {
		select {
		case <-startup.C:
			ticker = time.NewTicker(interval)
			tick = ticker.C

		case <-tick:
			text, finished := injector.Next()
			if !feeder.Send(text) {
				log.Debug().Int("bytes", len(text)).Msg("stdin backlog full, dropping input")
			}
			transcript.Echo(text)
			if finished {
				ticker.Stop()
				tick = nil
				feeder.CloseInput()
			}

		case <-deadlineC:
			deadlineC = nil
			res.TimedOut = true
			log.Warn().Dur("after", r.timing.Execute).Msg("execution deadline reached, killing sandbox")
			metrics.ForcedKills.WithLabelValues("timeout").Inc()
			if err := p.Kill(); err != nil {
				log.Error().Err(err).Msg("kill failed")
			}

		case <-done:
			done = nil
			ctxErr = ctx.Err()
			log.Warn().Err(ctxErr).Msg("execution canceled, killing sandbox")
			metrics.ForcedKills.WithLabelValues("canceled").Inc()
			if err := p.Kill(); err != nil {
				log.Error().Err(err).Msg("kill failed")
			}

		case ev := <-events:
			switch ev.Kind {
			case EventOutput:
				transcript.Stdout(ev.Data)
			case EventError:
				transcript.Stderr(ev.Data)
			case EventExited:
				if ev.Err != nil {
					log.Warn().Err(ev.Err).Msg("waiting for sandbox")
				}
				res.ExitCode = ev.ExitCode
				transcript.Exit(ev.ExitCode)
				res.Output = transcript.String()
				return res, ctxErr
			}
		}
	}
}

func (r *Runner) cleanup(ws *sandbox.Workspace, log zerolog.Logger) {
	if r.keep {
		return
	}
	if err := ws.Remove(); err != nil {
		log.Warn().Err(err).Msg("removing workspace")
	}
}

func outcome(res *Result) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.ExitCode != 0:
		return "failed"
	default:
		return "ok"
	}
}
