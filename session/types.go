// Package session implements the "upto" scheme's metered session engine: a
// store of in-flight sessions, an orchestrator that batches accrued spend
// into settlement calls, and a sweeper that drives both periodically and at
// session-deadline approach.
package session

import (
	"math/big"

	x402 "github.com/shoalpay/x402-facilitator"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusSettling Status = "settling"
	StatusClosed   Status = "closed"
)

// LastSettlement records the outcome of the most recent settlement attempt.
type LastSettlement struct {
	AtMs    int64
	Reason  string
	Receipt x402.SettleResponse
}

// Session is one "upto" payer's metered spending window: a single permit
// authorization capping total spend, drawn against by repeated charges and
// settled in batches.
type Session struct {
	ID                  string
	PaymentPayload      x402.PaymentPayload
	PaymentRequirements x402.PaymentRequirements
	Cap                 *big.Int
	Deadline            int64 // unix seconds
	SettledTotal        *big.Int
	PendingSpent        *big.Int
	Status              Status
	LastSettlement      *LastSettlement
}

// clone returns a deep-enough copy of s so a caller can read and mutate
// big.Int fields in one goroutine without racing a concurrent store
// mutation on the same session.
func (s Session) clone() Session {
	out := s
	if s.Cap != nil {
		out.Cap = new(big.Int).Set(s.Cap)
	}
	if s.SettledTotal != nil {
		out.SettledTotal = new(big.Int).Set(s.SettledTotal)
	}
	if s.PendingSpent != nil {
		out.PendingSpent = new(big.Int).Set(s.PendingSpent)
	}
	if s.LastSettlement != nil {
		copyLS := *s.LastSettlement
		out.LastSettlement = &copyLS
	}
	return out
}
