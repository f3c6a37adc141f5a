package execution

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Feeder writes to a program's stdin from its own goroutine, so a program
// that never reads cannot stall whoever is feeding it. A write stuck on a
// full pipe is released when the process is killed or stdin is closed.
type Feeder struct {
	w     io.WriteCloser
	queue chan string
	eof   chan struct{}
	stop  chan struct{}
	done  chan struct{}

	eofOnce  sync.Once
	stopOnce sync.Once
	log      zerolog.Logger
}

// NewFeeder starts a Feeder holding at most size pending writes.
func NewFeeder(w io.WriteCloser, size int, log zerolog.Logger) *Feeder {
	f := &Feeder{
		w:     w,
		queue: make(chan string, size),
		eof:   make(chan struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log,
	}
	go f.run()
	return f
}

// Send queues text without blocking. It reports false when the queue is
// full or the feeder has been stopped or closed.
func (f *Feeder) Send(text string) bool {
	select {
	case <-f.stop:
		return false
	case <-f.eof:
		return false
	default:
	}
	select {
	case f.queue <- text:
		return true
	default:
		return false
	}
}

// CloseInput closes stdin once everything already queued is written.
func (f *Feeder) CloseInput() {
	f.eofOnce.Do(func() { close(f.eof) })
}

// Stop drops whatever is still queued. It does not close stdin.
func (f *Feeder) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// Done is closed when the feeder goroutine has returned.
func (f *Feeder) Done() <-chan struct{} { return f.done }

func (f *Feeder) run() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case text := <-f.queue:
			if !f.write(text) {
				return
			}
		case <-f.eof:
			for {
				select {
				case text := <-f.queue:
					if !f.write(text) {
						return
					}
				default:
					if err := f.w.Close(); err != nil {
						f.log.Debug().Err(err).Msg("closing stdin")
					}
					return
				}
			}
		}
	}
}

func (f *Feeder) write(text string) bool {
	if _, err := io.WriteString(f.w, text); err != nil {
		f.log.Debug().Err(err).Msg("stdin write failed")
		return false
	}
	return true
}
