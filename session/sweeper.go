package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweep reason codes recorded on lastSettlement.
const (
	ReasonPeriodic           = "periodic"
	ReasonIdle               = "idle"
	ReasonDeadlineApproaching = "deadline_approaching"
)

// Sweeper periodically drives SettleSession across every open session: a
// plain timer tick settles whatever has accrued, and sessions whose
// deadline is within the buffer are closed out rather than left to expire
// with pending spend unsettled.
type Sweeper struct {
	store             *Store
	client            SettleClient
	interval          time.Duration
	deadlineBufferSec int64
	logger            *slog.Logger
}

// NewSweeper builds a Sweeper that ticks every interval (use a small value
// like a few seconds for an idle-triggered feel; the spec leaves cadence
// implementation-chosen).
func NewSweeper(store *Store, client SettleClient, interval time.Duration, deadlineBufferSec int64) *Sweeper {
	if deadlineBufferSec <= 0 {
		deadlineBufferSec = defaultDeadlineBufferSec
	}
	return &Sweeper{
		store:             store,
		client:            client,
		interval:          interval,
		deadlineBufferSec: deadlineBufferSec,
		logger:            slog.Default(),
	}
}

// Run blocks, sweeping on every tick until ctx is done. Intended to be
// launched in its own goroutine at process startup.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.SweepOnce(ctx, ReasonPeriodic)
		}
	}
}

// SweepOnce settles every open session once. Sessions within
// deadlineBufferSec of expiry are settled with closeAfter=true regardless of
// how much (if anything) is pending, so they close out cleanly instead of
// expiring with an open status. The `settling` CAS gate in Store.Transition
// means a concurrent explicit close via the same reason never double-settles
// a session this sweep also reaches.
func (sw *Sweeper) SweepOnce(ctx context.Context, reason string) {
	now := time.Now().Unix()
	for _, s := range sw.store.Iterate() {
		if s.Status != StatusOpen {
			continue
		}

		sweepReason := reason
		closeAfter := false
		if s.Deadline <= now+sw.deadlineBufferSec {
			sweepReason = ReasonDeadlineApproaching
			closeAfter = true
		}

		SettleSession(ctx, sw.store, sw.client, s.ID, sweepReason, closeAfter, sw.deadlineBufferSec)
	}
}

// Close settles and closes a single session on demand, e.g. for
// POST /api/upto-close. It is exposed here so the HTTP layer has a single
// entry point that shares the sweeper's settlement path.
func (sw *Sweeper) Close(ctx context.Context, sessionID string) {
	SettleSession(ctx, sw.store, sw.client, sessionID, ReasonIdle, true, sw.deadlineBufferSec)
}
