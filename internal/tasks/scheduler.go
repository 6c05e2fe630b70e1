package tasks

import (
	"context"
	"fmt"
	"time"
)

// DreamScheduler runs a named job on a cron schedule until its context is
// canceled, via the supplied Supervisor so each tick is panic-safe and
// deduplicated against any still-running prior tick.
type DreamScheduler struct {
	supervisor *Supervisor
	key        string
	schedule   cronSchedule
	job        func(context.Context) error
}

type cronSchedule interface {
	Next(time.Time) time.Time
}

// NewDreamScheduler parses cronExpr (standard 5-field cron syntax) and
// builds a scheduler that spawns job under key on every tick.
func NewDreamScheduler(supervisor *Supervisor, key, cronExpr string, job func(context.Context) error) (*DreamScheduler, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse dream schedule %q: %w", cronExpr, err)
	}
	return &DreamScheduler{supervisor: supervisor, key: key, schedule: sched, job: job}, nil
}

// Run blocks, spawning job at each scheduled tick, until ctx is canceled.
func (d *DreamScheduler) Run(ctx context.Context) {
	next := d.schedule.Next(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.supervisor.Spawn(ctx, d.key, d.job)
			next = d.schedule.Next(time.Now())
			timer.Reset(time.Until(next))
		}
	}
}
