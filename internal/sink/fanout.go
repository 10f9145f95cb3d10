package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/rdswatch/internal/metrics"
)

const recentCapacity = 64

// Fanout delivers each event to every configured sink in order, retrying
// failed deliveries so events are handed over at least once. It also
// keeps a small ring of recent events for the status API.
type Fanout struct {
	sinks   []Sink
	logger  *slog.Logger
	retries int
	backoff time.Duration

	mu     sync.Mutex
	recent []Record
}

func NewFanout(sinks []Sink, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger, retries: 3, backoff: time.Second}
}

// Send delivers the record to all sinks. A sink that keeps failing after
// retries is skipped with an error log; one broken consumer must not
// block the others.
func (f *Fanout) Send(ctx context.Context, r Record) {
	f.mu.Lock()
	f.recent = append(f.recent, r)
	if len(f.recent) > recentCapacity {
		f.recent = f.recent[len(f.recent)-recentCapacity:]
	}
	f.mu.Unlock()

	for _, s := range f.sinks {
		if err := f.sendOne(ctx, s, r); err != nil {
			metrics.IncSinkError(s.Name())
			f.logger.Error("delivering event", "sink", s.Name(), "error", err)
		}
	}
}

func (f *Fanout) sendOne(ctx context.Context, s Sink, r Record) error {
	var err error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.backoff):
			}
		}
		if err = s.Send(ctx, r); err == nil {
			return nil
		}
	}
	return err
}

// Recent returns up to n of the latest delivered events, newest first.
func (f *Fanout) Recent(n int) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 || n > len(f.recent) {
		n = len(f.recent)
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = f.recent[len(f.recent)-1-i]
	}
	return out
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var first error
	for _, s := range f.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
