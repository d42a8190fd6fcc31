package session

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	x402 "github.com/shoalpay/x402-facilitator"
)

// SettleClient is the facilitator collaborator the orchestrator calls to
// actually move funds; facilitator.Dispatcher satisfies this.
type SettleClient interface {
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error)
}

// defaultDeadlineBufferSec is used when a caller passes 0, matching the
// spec-documented default.
const defaultDeadlineBufferSec = 60

// SettleSession drives one settlement attempt for sessionId: batches the
// accrued pendingSpent into a single settle call against an amount-overridden
// copy of the session's payment requirements. Settlement failures are
// non-fatal — the session stays open for the next sweep to retry, except
// when the deadline has forced closure regardless of outcome.
//
// SettleSession never returns an error to its caller; all failures are
// recorded on the session itself via lastSettlement, matching the
// orchestrator's "never throws" contract.
func SettleSession(ctx context.Context, store *Store, client SettleClient, sessionID string, reason string, closeAfter bool, deadlineBufferSec int64) {
	if deadlineBufferSec <= 0 {
		deadlineBufferSec = defaultDeadlineBufferSec
	}

	current, ok := store.Get(sessionID)
	if !ok {
		return
	}
	if current.Status != StatusOpen {
		return
	}

	now := time.Now().Unix()

	if current.PendingSpent.Sign() == 0 {
		if closeAfter {
			current.Status = StatusClosed
			store.Set(sessionID, current)
		}
		return
	}

	if err := store.Transition(sessionID, StatusOpen, StatusSettling); err != nil {
		// Lost the race to another sweeper/close call; that caller owns
		// this settlement attempt now.
		return
	}

	// Re-read after winning the CAS: Transition only flips status, so
	// pendingSpent/cap/etc. are still what we observed above, but we
	// reload for a consistent view to persist from.
	locked, ok := store.Get(sessionID)
	if !ok {
		return
	}

	settleAmount := new(big.Int).Set(locked.PendingSpent)
	overridden := locked.PaymentRequirements
	overridden.Amount = settleAmount.String()

	receipt := callSettle(ctx, client, locked.PaymentPayload, overridden)

	if receipt.Success {
		locked.SettledTotal = new(big.Int).Add(locked.SettledTotal, settleAmount)
		locked.PendingSpent = big.NewInt(0)
	}
	// On failure, pendingSpent is left intact for retry.

	locked.LastSettlement = &LastSettlement{AtMs: nowMs(), Reason: reason, Receipt: receipt}

	deadlinePassed := locked.Deadline <= now+deadlineBufferSec
	capReached := locked.SettledTotal.Cmp(locked.Cap) >= 0
	if closeAfter || capReached || deadlinePassed {
		locked.Status = StatusClosed
	} else {
		locked.Status = StatusOpen
	}

	store.Set(sessionID, locked)
}

// callSettle invokes client.Settle, converting a thrown error into the
// synthetic failure receipt the spec requires rather than propagating it.
func callSettle(ctx context.Context, client SettleClient, payload x402.PaymentPayload, requirements x402.PaymentRequirements) x402.SettleResponse {
	receipt, err := client.Settle(ctx, payload, requirements)
	if err != nil {
		slog.Default().Warn("upto settlement call failed", "network", requirements.Network, "error", err)
		reason := err.Error()
		if reason == "" {
			reason = string(x402.ReasonSettlementFailed)
		}
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: reason,
			Transaction: "",
			Network:     requirements.Network,
		}
	}
	return receipt
}

// nowMs is time.Now in milliseconds, split out so a future crash-recovery
// pass can stub it in tests without faking the whole clock.
func nowMs() int64 { return time.Now().UnixMilli() }

// NewSession builds an open Session from a just-verified "upto" payment: cap
// and deadline are derived from the authorization, not from the client's
// claimed requirements, since the authorization is what the payer actually
// signed.
func NewSession(id string, payload x402.PaymentPayload, requirements x402.PaymentRequirements, cap *big.Int, deadline int64) Session {
	return Session{
		ID:                  id,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
		Cap:                 new(big.Int).Set(cap),
		Deadline:            deadline,
		SettledTotal:        big.NewInt(0),
		PendingSpent:        big.NewInt(0),
		Status:              StatusOpen,
	}
}
