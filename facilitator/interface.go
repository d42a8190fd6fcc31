// Package facilitator implements the dispatcher that routes payment verify
// and settle requests to per-(network,scheme) handlers, and the hook
// pipeline around them. This is the core of the facilitator: the HTTP
// surface this repo exposes (httpapi) is a thin adapter in front of Dispatcher.
package facilitator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	x402 "github.com/shoalpay/x402-facilitator"
)

// SchemeHandler implements verification and settlement for one payment
// scheme against one CAIP family of networks.
type SchemeHandler interface {
	// Scheme is the literal scheme string this handler answers for
	// ("upto", "exact", ...).
	Scheme() string

	// CaipFamily is the "family:*" pattern this handler's networks fall
	// under, used to group signers for getSupported.
	CaipFamily() x402.FamilyPattern

	// GetExtra returns scheme metadata advertised to clients for network
	// (domain names, paymaster endpoints, sponsor addresses).
	GetExtra(network x402.Network) map[string]any

	// GetSigners returns the facilitator-side addresses that pay gas or
	// sign on network.
	GetSigners(network x402.Network) []string

	// Verify checks a payment authorization without executing it.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error)

	// Settle executes a previously-verified payment on-chain.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error)
}

// IdempotentSettler is an optional SchemeHandler extension: a handler that
// implements it lets Dispatcher.Settle de-duplicate retried settle calls for
// the same payload by caching the first result under the returned key.
// Handlers that already guarantee single-writer settlement some other way
// (the "upto" session engine's CAS transition, for instance) have no need to
// implement it.
type IdempotentSettler interface {
	// SettlementIdempotencyKey returns a stable key identifying this exact
	// settlement attempt, or "" if this particular call shouldn't be
	// deduplicated.
	SettlementIdempotencyKey(payload x402.PaymentPayload, requirements x402.PaymentRequirements) string
}

// settleIdempotencyTTL bounds how long a cached settle result is replayed to
// a retried call before Dispatcher treats the key as fresh again.
const settleIdempotencyTTL = 10 * time.Minute

type idempotencyEntry struct {
	done    chan struct{}
	expires time.Time
	resp    x402.SettleResponse
}

// Phase identifies which step of the verify/settle algorithm a hook fired
// from.
type Phase string

const (
	PhaseBeforeVerify Phase = "before_verify"
	PhaseAfterVerify  Phase = "after_verify"
	PhaseVerifyFailed Phase = "verify_failure"
	PhaseBeforeSettle Phase = "before_settle"
	PhaseAfterSettle  Phase = "after_settle"
	PhaseSettleFailed Phase = "settle_failure"
)

// HookContext is the record passed to every registered hook. VerifyResult,
// SettleResult and Err are unset for the "before" phases.
type HookContext struct {
	Phase        Phase
	Network      x402.Network
	Scheme       string
	Payload      x402.PaymentPayload
	Requirements x402.PaymentRequirements
	VerifyResult *x402.VerifyResponse
	SettleResult *x402.SettleResponse
	Err          error
}

// Hook is an asynchronous observer of dispatcher activity. Hooks never
// influence the verify/settle result; a panicking or erroring hook is
// logged and otherwise ignored.
type Hook func(ctx context.Context, record HookContext)

type registryKey struct {
	network x402.Network
	scheme  string
}

// Dispatcher is the registry of (network, scheme) -> SchemeHandler plus the
// six hook slots fired around verify and settle.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[registryKey]SchemeHandler
	// insertion tracks registration order, used to make getSupported's
	// kinds/signer ordering deterministic.
	insertion []registryKey

	onBeforeVerify  []Hook
	onAfterVerify   []Hook
	onVerifyFailure []Hook
	onBeforeSettle  []Hook
	onAfterSettle   []Hook
	onSettleFailure []Hook

	logger *slog.Logger

	idemMu    sync.Mutex
	idemCache map[string]*idempotencyEntry
}

// NewDispatcher builds an empty Dispatcher. Register handlers and hooks
// before serving traffic; Dispatcher is safe for concurrent use once built.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers:  make(map[registryKey]SchemeHandler),
		logger:    slog.Default(),
		idemCache: make(map[string]*idempotencyEntry),
	}
}

// Register inserts handler under (network, handler.Scheme()). A later
// registration for the same pair overwrites the earlier one.
func (d *Dispatcher) Register(network x402.Network, handler SchemeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := registryKey{network: network, scheme: handler.Scheme()}
	if _, exists := d.handlers[key]; !exists {
		d.insertion = append(d.insertion, key)
	}
	d.handlers[key] = handler
}

func (d *Dispatcher) lookup(network x402.Network, scheme string) (SchemeHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	handler, ok := d.handlers[registryKey{network: network, scheme: scheme}]
	return handler, ok
}

// OnBeforeVerify registers a hook fired before a handler's Verify is called.
func (d *Dispatcher) OnBeforeVerify(hook Hook) { d.onBeforeVerify = append(d.onBeforeVerify, hook) }

// OnAfterVerify registers a hook fired after a successful (isValid) verify.
func (d *Dispatcher) OnAfterVerify(hook Hook) { d.onAfterVerify = append(d.onAfterVerify, hook) }

// OnVerifyFailure registers a hook fired whenever verify returns isValid=false,
// including unsupported-scheme-network and handler errors.
func (d *Dispatcher) OnVerifyFailure(hook Hook) { d.onVerifyFailure = append(d.onVerifyFailure, hook) }

// OnBeforeSettle registers a hook fired before a handler's Settle is called.
func (d *Dispatcher) OnBeforeSettle(hook Hook) { d.onBeforeSettle = append(d.onBeforeSettle, hook) }

// OnAfterSettle registers a hook fired after a successful settle.
func (d *Dispatcher) OnAfterSettle(hook Hook) { d.onAfterSettle = append(d.onAfterSettle, hook) }

// OnSettleFailure registers a hook fired whenever settle returns success=false,
// including unsupported-scheme-network and handler errors.
func (d *Dispatcher) OnSettleFailure(hook Hook) { d.onSettleFailure = append(d.onSettleFailure, hook) }

func (d *Dispatcher) fire(ctx context.Context, hooks []Hook, record HookContext) {
	for _, hook := range hooks {
		d.runHook(ctx, hook, record)
	}
}

// runHook isolates a single hook invocation: a panicking hook must never
// corrupt or block the verify/settle path it's observing.
func (d *Dispatcher) runHook(ctx context.Context, hook Hook, record HookContext) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("facilitator hook panicked", "phase", record.Phase, "scheme", record.Scheme, "network", record.Network, "panic", r)
		}
	}()
	hook(ctx, record)
}

// Verify resolves a handler for (requirements.Network, requirements.Scheme)
// and invokes it, firing the before/after/failure hooks around the call.
func (d *Dispatcher) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	handler, ok := d.lookup(requirements.Network, requirements.Scheme)
	if !ok {
		resp := x402.VerifyResponse{IsValid: false, InvalidReason: string(x402.ReasonUnsupportedSchemeNetwork)}
		d.fire(ctx, d.onVerifyFailure, HookContext{
			Phase: PhaseVerifyFailed, Network: requirements.Network, Scheme: requirements.Scheme,
			Payload: payload, Requirements: requirements, VerifyResult: &resp,
		})
		return resp, nil
	}

	d.fire(ctx, d.onBeforeVerify, HookContext{
		Phase: PhaseBeforeVerify, Network: requirements.Network, Scheme: requirements.Scheme,
		Payload: payload, Requirements: requirements,
	})

	resp, err := handler.Verify(ctx, payload, requirements)
	if err != nil {
		resp = x402.VerifyResponse{IsValid: false, InvalidReason: string(x402.ReasonVerificationError)}
	}

	if !resp.IsValid {
		d.fire(ctx, d.onVerifyFailure, HookContext{
			Phase: PhaseVerifyFailed, Network: requirements.Network, Scheme: requirements.Scheme,
			Payload: payload, Requirements: requirements, VerifyResult: &resp, Err: err,
		})
	} else {
		d.fire(ctx, d.onAfterVerify, HookContext{
			Phase: PhaseAfterVerify, Network: requirements.Network, Scheme: requirements.Scheme,
			Payload: payload, Requirements: requirements, VerifyResult: &resp,
		})
	}

	return resp, nil
}

// Settle resolves a handler for (requirements.Network, requirements.Scheme)
// and invokes it. Settle does not re-verify; scheme handlers are
// responsible for their own idempotency and re-checking.
func (d *Dispatcher) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	handler, ok := d.lookup(requirements.Network, requirements.Scheme)
	if !ok {
		resp := x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonUnsupportedSchemeNetwork), Network: requirements.Network}
		d.fire(ctx, d.onSettleFailure, HookContext{
			Phase: PhaseSettleFailed, Network: requirements.Network, Scheme: requirements.Scheme,
			Payload: payload, Requirements: requirements, SettleResult: &resp,
		})
		return resp, nil
	}

	var idemKey string
	if idempotent, ok := handler.(IdempotentSettler); ok {
		idemKey = idempotent.SettlementIdempotencyKey(payload, requirements)
	}

	if idemKey != "" {
		if cached, owns := d.claimIdempotencyKey(idemKey); !owns {
			return cached, nil
		}
	}

	d.fire(ctx, d.onBeforeSettle, HookContext{
		Phase: PhaseBeforeSettle, Network: requirements.Network, Scheme: requirements.Scheme,
		Payload: payload, Requirements: requirements,
	})

	resp, err := handler.Settle(ctx, payload, requirements)
	if err != nil {
		resp = x402.SettleResponse{Success: false, ErrorReason: string(x402.ReasonSettlementFailed), Network: requirements.Network}
	}

	if idemKey != "" {
		d.completeIdempotencyKey(idemKey, resp)
	}

	if !resp.Success {
		d.fire(ctx, d.onSettleFailure, HookContext{
			Phase: PhaseSettleFailed, Network: requirements.Network, Scheme: requirements.Scheme,
			Payload: payload, Requirements: requirements, SettleResult: &resp, Err: err,
		})
	} else {
		d.fire(ctx, d.onAfterSettle, HookContext{
			Phase: PhaseAfterSettle, Network: requirements.Network, Scheme: requirements.Scheme,
			Payload: payload, Requirements: requirements, SettleResult: &resp,
		})
	}

	return resp, nil
}

// claimIdempotencyKey reports whether the caller owns the settle attempt for
// key. A non-owning caller blocks until the owner finishes, then returns its
// cached response; owners return a zero response and must call
// completeIdempotencyKey when done.
func (d *Dispatcher) claimIdempotencyKey(key string) (x402.SettleResponse, bool) {
	d.idemMu.Lock()
	if entry, found := d.idemCache[key]; found {
		if entry.expires.IsZero() || time.Now().Before(entry.expires) {
			d.idemMu.Unlock()
			<-entry.done
			return entry.resp, false
		}
		delete(d.idemCache, key)
	}

	entry := &idempotencyEntry{done: make(chan struct{})}
	d.idemCache[key] = entry
	d.idemMu.Unlock()
	return x402.SettleResponse{}, true
}

// completeIdempotencyKey records resp for key and releases any callers
// blocked in claimIdempotencyKey. Failed settlements are not cached, so a
// retry after a failure runs the handler again rather than replaying it.
func (d *Dispatcher) completeIdempotencyKey(key string, resp x402.SettleResponse) {
	d.idemMu.Lock()
	entry, found := d.idemCache[key]
	if !found {
		d.idemMu.Unlock()
		return
	}
	entry.resp = resp
	if resp.Success {
		entry.expires = time.Now().Add(settleIdempotencyTTL)
	} else {
		delete(d.idemCache, key)
	}
	d.idemMu.Unlock()
	close(entry.done)
}

// GetSupported reports every (network, scheme) this dispatcher can serve,
// and the facilitator-side signer addresses grouped by CAIP family.
func (d *Dispatcher) GetSupported() x402.SupportedResponse {
	d.mu.RLock()
	defer d.mu.RUnlock()

	resp := x402.SupportedResponse{Signers: make(map[string][]string)}
	seen := make(map[string]map[string]bool)

	for _, key := range d.insertion {
		handler := d.handlers[key]
		resp.Kinds = append(resp.Kinds, x402.SupportedKind{
			Network: key.network,
			Scheme:  key.scheme,
			Extra:   handler.GetExtra(key.network),
		})

		family := handler.CaipFamily().String()
		if seen[family] == nil {
			seen[family] = make(map[string]bool)
		}
		for _, addr := range handler.GetSigners(key.network) {
			if seen[family][addr] {
				continue
			}
			seen[family][addr] = true
			resp.Signers[family] = append(resp.Signers[family], addr)
		}
	}

	return resp
}

// SetLogger overrides the dispatcher's hook-panic logger; defaults to
// slog.Default().
func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	d.logger = logger
}
