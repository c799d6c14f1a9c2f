// Package followup polls the store for due scheduled actions and
// replays each one through the orchestrator's follow-up reply path. It
// is grounded on the same teacher ticker-goroutine shape as
// companion.Loop but with its own independent loop state, per §9's
// "do not share loop state" guidance — a follow-up nudge and a
// proactive companion observation are different concerns scheduled at
// different cadences (30s default vs. 5min default).
package followup

import (
	"context"
	"time"

	"github.com/kbpersonal/agentbridge/orchestrator"
	"github.com/kbpersonal/agentbridge/store"
)

// DefaultInterval is how often the scheduler checks for due actions.
const DefaultInterval = 30 * time.Second

// DefaultBatchLimit bounds how many due actions one tick processes, so
// a large backlog after downtime is drained over several ticks rather
// than in one burst.
const DefaultBatchLimit = 25

// Scheduler drains due ScheduledActions on its own ticker.
type Scheduler struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Interval     time.Duration
	BatchLimit   int

	now func() time.Time
}

// NewScheduler builds a Scheduler with the given interval (DefaultInterval if zero).
func NewScheduler(s store.Store, o *orchestrator.Orchestrator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{Store: s, Orchestrator: o, Interval: interval, BatchLimit: DefaultBatchLimit, now: time.Now}
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.Store.DueActions(s.now(), s.BatchLimit)
	if err != nil {
		return
	}
	for _, action := range due {
		success := s.Orchestrator.SendFollowUp(ctx, action) == nil
		_ = s.Store.MarkActionFired(action.ID, success)
	}
}
