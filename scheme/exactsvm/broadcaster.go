package exactsvm

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCBroadcaster is the one concrete Broadcaster this repo ships: it holds
// the facilitator's fee-payer keypair in memory and talks to a Solana RPC
// endpoint directly. No pack example submits or confirms a Solana
// transaction over RPC, so this is built straight against solana-go's own
// client rather than adapted from a reference broadcaster.
type RPCBroadcaster struct {
	client       *rpc.Client
	feePayer     solana.PrivateKey
	pollEvery    time.Duration
	pollDeadline time.Duration
}

// NewRPCBroadcaster builds a broadcaster that submits through client and
// signs with feePayer. Confirmation is polled every pollEvery until
// pollDeadline elapses; zero values fall back to 500ms/30s.
func NewRPCBroadcaster(client *rpc.Client, feePayer solana.PrivateKey, pollEvery, pollDeadline time.Duration) *RPCBroadcaster {
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	if pollDeadline <= 0 {
		pollDeadline = 30 * time.Second
	}
	return &RPCBroadcaster{client: client, feePayer: feePayer, pollEvery: pollEvery, pollDeadline: pollDeadline}
}

// FeePayer implements Broadcaster.
func (b *RPCBroadcaster) FeePayer() solana.PublicKey { return b.feePayer.PublicKey() }

// SignAndSubmit implements Broadcaster: it refreshes the blockhash if the
// transaction doesn't carry one yet, adds the fee-payer's signature, and
// submits it with preflight checks enabled.
func (b *RPCBroadcaster) SignAndSubmit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if tx.Message.RecentBlockhash.IsZero() {
		latest, err := b.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("fetch recent blockhash: %w", err)
		}
		tx.Message.RecentBlockhash = latest.Value.Blockhash
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(b.feePayer.PublicKey()) {
			return &b.feePayer
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign as fee payer: %w", err)
	}

	sig, err := b.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("submit transaction: %w", err)
	}
	return sig, nil
}

// ConfirmTransaction polls getSignatureStatuses until sig reaches a
// confirmed or finalized commitment, an on-chain error appears, or
// pollDeadline elapses.
func (b *RPCBroadcaster) ConfirmTransaction(ctx context.Context, sig solana.Signature) (bool, error) {
	deadline := time.Now().Add(b.pollDeadline)
	ticker := time.NewTicker(b.pollEvery)
	defer ticker.Stop()

	for {
		statuses, err := b.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return false, fmt.Errorf("get signature statuses: %w", err)
		}
		if len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return false, nil
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return true, nil
			}
		}

		if time.Now().After(deadline) {
			return false, fmt.Errorf("confirmation timed out after %s", b.pollDeadline)
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
