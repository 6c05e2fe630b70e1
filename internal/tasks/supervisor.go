// Package tasks implements the background task supervisor (spec §5): a
// small in-process pool that runs memory-extraction, topic-summary, and
// dream sweeps without ever letting one of them fail the request that
// spawned it, and without ever running two instances of the same named job
// concurrently.
//
// Grounded on haasonsaas-nexus/internal/tasks/scheduler.go's Scheduler
// (semaphore-bounded concurrency, panic-safe execution, named jobs), pared
// down from its distributed-lock/execution-log machinery — this core has
// no multi-worker coordination requirement — to single-process in-flight
// dedup, and on internal/cron/schedule.go's cron.Parser usage for the
// periodic dream tick.
package tasks

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/lopution/mika-chat-core/internal/observability"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Supervisor runs named background jobs, deduplicating concurrent runs of
// the same key and recovering/logging any panic or error rather than
// propagating it to the caller that spawned the job.
type Supervisor struct {
	mu       sync.Mutex
	inFlight map[string]bool
	sem      chan struct{}
	wg       sync.WaitGroup
}

// NewSupervisor builds a Supervisor bounded to maxConcurrency simultaneous
// jobs (0 or negative means unbounded).
func NewSupervisor(maxConcurrency int) *Supervisor {
	s := &Supervisor{inFlight: make(map[string]bool)}
	if maxConcurrency > 0 {
		s.sem = make(chan struct{}, maxConcurrency)
	}
	return s
}

// Spawn runs fn in a new goroutine keyed by key. If a job with the same key
// is already running, Spawn is a no-op — this implements the "mem:<session>"
// / "topic:<session>" dedup rule from spec §5. The job's error, if any, is
// logged and discarded; a panic is recovered and logged the same way.
func (s *Supervisor) Spawn(ctx context.Context, key string, fn func(context.Context) error) {
	s.mu.Lock()
	if s.inFlight[key] {
		s.mu.Unlock()
		return
	}
	s.inFlight[key] = true
	s.mu.Unlock()

	if s.sem != nil {
		s.sem <- struct{}{}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
			if s.sem != nil {
				<-s.sem
			}
		}()
		defer func() {
			if rec := recover(); rec != nil {
				observability.FromContext(ctx).Error("background task panicked", "key", key, "recover", rec)
			}
		}()

		if err := fn(ctx); err != nil {
			observability.FromContext(ctx).Warn("background task failed", "key", key, "error", err)
		}
	}()
}

// Wait blocks until every spawned job has returned. Intended for tests and
// graceful shutdown, not the hot path.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
