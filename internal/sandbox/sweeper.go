package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper removes workspaces left behind by failed or kept executions.
type Sweeper struct {
	root string
	age  time.Duration
	cron *cron.Cron
	log  zerolog.Logger
}

// NewSweeper removes workspaces under root older than age.
func NewSweeper(root string, age time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		root: root,
		age:  age,
		log:  log.With().Str("component", "sweeper").Logger(),
	}
}

// Sweep deletes every workspace whose modification time is older than
// now minus the configured age and returns how many were removed.
func (s *Sweeper) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("reading mount dir: %w", err)
	}

	cutoff := now.Add(-s.age)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			s.log.Warn().Err(err).Str("workspace", entry.Name()).Msg("removing stale workspace")
			continue
		}
		removed++
	}
	return removed, nil
}

// Start runs Sweep on the given cron schedule (e.g. "@every 15m").
func (s *Sweeper) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := s.Sweep(time.Now())
		if err != nil {
			s.log.Error().Err(err).Msg("sweep failed")
			return
		}
		if n > 0 {
			s.log.Info().Int("removed", n).Msg("swept stale workspaces")
		}
	})
	if err != nil {
		return fmt.Errorf("parsing sweep schedule %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
