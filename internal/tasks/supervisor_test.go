package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSupervisorRunsJobAndReportsNoError(t *testing.T) {
	s := NewSupervisor(0)
	var ran int32
	s.Spawn(context.Background(), "k1", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	s.Wait()
	if atomic.LoadInt32(&ran) != 1 {
		t.Errorf("expected job to run once, got %d", ran)
	}
}

func TestSupervisorDedupsConcurrentSameKey(t *testing.T) {
	s := NewSupervisor(0)
	var started sync.WaitGroup
	started.Add(1)
	release := make(chan struct{})
	var runs int32

	s.Spawn(context.Background(), "dup", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		started.Done()
		<-release
		return nil
	})
	started.Wait()

	s.Spawn(context.Background(), "dup", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	close(release)
	s.Wait()

	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("expected only 1 run while key in flight, got %d", runs)
	}
}

func TestSupervisorAllowsSameKeyAfterCompletion(t *testing.T) {
	s := NewSupervisor(0)
	var runs int32
	s.Spawn(context.Background(), "k", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	s.Wait()
	s.Spawn(context.Background(), "k", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	s.Wait()
	if atomic.LoadInt32(&runs) != 2 {
		t.Errorf("expected 2 sequential runs of the same key, got %d", runs)
	}
}

func TestSupervisorRecoversPanicWithoutPropagating(t *testing.T) {
	s := NewSupervisor(0)
	s.Spawn(context.Background(), "panicker", func(ctx context.Context) error {
		panic("boom")
	})
	s.Wait()
}

func TestSupervisorLogsErrorWithoutPropagating(t *testing.T) {
	s := NewSupervisor(0)
	s.Spawn(context.Background(), "erroring", func(ctx context.Context) error {
		return errors.New("failed")
	})
	s.Wait()
}

func TestDreamSchedulerStopsOnCancel(t *testing.T) {
	s := NewSupervisor(0)
	var runs int32
	sched, err := NewDreamScheduler(s, "dream:g1", "* * * * *", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("new dream scheduler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sched.Run(ctx)
	s.Wait()
}

func TestNewDreamSchedulerRejectsInvalidCron(t *testing.T) {
	s := NewSupervisor(0)
	_, err := NewDreamScheduler(s, "bad", "not a cron expr", func(ctx context.Context) error { return nil })
	if err == nil {
		t.Error("expected error for invalid cron expression")
	}
}
