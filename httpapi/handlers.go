package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	x402 "github.com/shoalpay/x402-facilitator"
	"github.com/shoalpay/x402-facilitator/encoding"
	"github.com/shoalpay/x402-facilitator/session"
)

// uptoSessionHeader carries a facilitator-assigned session id across the metered
// charges of one "upto" session, per spec §6.
const uptoSessionHeader = "x-upto-session-id"

const (
	verifyTimeout = 30 * time.Second
	settleTimeout = 60 * time.Second
)

// facilitatorRequest is the JSON body POSTed to /verify and /settle,
// matching the field names the teacher's http.FacilitatorRequest sends on
// the wire (paymentPayload/paymentRequirements) even though this side
// receives rather than issues that request.
type facilitatorRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

func handleSupported(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Dispatcher.GetSupported())
	}
}

func handleVerify(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req facilitatorRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
		defer cancel()

		resp, err := cfg.Dispatcher.Verify(ctx, req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if resp.IsValid && req.PaymentRequirements.Scheme == "upto" && cfg.Store != nil {
			if sessionID := openOrAccrueUptoSession(cfg, c, req.PaymentPayload, req.PaymentRequirements); sessionID != "" {
				c.Header(uptoSessionHeader, sessionID)
			}
		}

		c.JSON(http.StatusOK, resp)
	}
}

func handleSettle(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req facilitatorRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), settleTimeout)
		defer cancel()

		resp, err := cfg.Dispatcher.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// uptoCloseRequest is the body of POST /api/upto-close per spec §6.
type uptoCloseRequest struct {
	SessionID string `json:"sessionId"`
}

func handleUptoClose(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req uptoCloseRequest
		if err := c.BindJSON(&req); err != nil || req.SessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
			return
		}
		if cfg.Sweeper == nil || cfg.Store == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "upto sessions are not configured"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), settleTimeout)
		defer cancel()

		cfg.Sweeper.Close(ctx, req.SessionID)

		closed, ok := cfg.Store.Get(req.SessionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		if closed.LastSettlement != nil {
			if encoded, err := encoding.EncodePaymentResponseHeader(closed.LastSettlement.Receipt); err == nil {
				c.Header("PAYMENT-RESPONSE", encoded)
			} else {
				cfg.Logger.Warn("failed to encode payment-response header", "session_id", req.SessionID, "error", err)
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"sessionId":    closed.ID,
			"status":       closed.Status,
			"settledTotal": closed.SettledTotal.String(),
			"pendingSpent": closed.PendingSpent.String(),
		})
	}
}

// openOrAccrueUptoSession accrues requirements.Amount into the session named
// by the request's x-upto-session-id header, or opens a fresh session (cap
// and deadline taken from the client's own signed authorization, not from
// requirements) when no header is present or the named session can no
// longer accept the charge. Returns the session id to echo back to the
// caller, or "" if no session could be established.
func openOrAccrueUptoSession(cfg Config, c *gin.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) string {
	now := time.Now().Unix()
	amount := x402.ParseAmountSaturating(requirements.Amount)

	if sessionID := c.GetHeader(uptoSessionHeader); sessionID != "" {
		if _, err := cfg.Store.Accrue(sessionID, amount, now, cfg.DeadlineBufferSec); err == nil {
			return sessionID
		}
		cfg.Logger.Warn("upto accrue rejected, opening a new session", "session_id", sessionID)
	}

	var inner x402.UptoEVMPayload
	if err := json.Unmarshal(payload.Payload, &inner); err != nil {
		cfg.Logger.Warn("could not parse upto payload to open a session", "error", err)
		return ""
	}

	cap := x402.ParseAmountSaturating(inner.Authorization.Value)
	deadline := x402.ParseAmountSaturating(inner.Authorization.ValidBefore).Int64()

	sessionID := uuid.NewString()
	newSession := session.NewSession(sessionID, payload, requirements, cap, deadline)
	cfg.Store.Set(sessionID, newSession)

	if _, err := cfg.Store.Accrue(sessionID, amount, now, cfg.DeadlineBufferSec); err != nil {
		cfg.Logger.Warn("first accrue on a freshly opened upto session failed", "session_id", sessionID, "error", err)
	}

	return sessionID
}
