// Package httpapi exposes a facilitator.Dispatcher and its "upto" session
// engine over HTTP via Gin: POST /verify, POST /settle, GET /supported, and
// POST /api/upto-close, mirroring the facilitator surface real x402
// facilitator deployments expose (distinct from a merchant's own
// resource-server middleware, which this module does not provide).
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shoalpay/x402-facilitator/facilitator"
	"github.com/shoalpay/x402-facilitator/session"
)

// Config wires the HTTP surface to the facilitator's core collaborators.
type Config struct {
	Dispatcher *facilitator.Dispatcher
	Store      *session.Store
	Sweeper    *session.Sweeper
	Logger     *slog.Logger

	// DeadlineBufferSec is passed unchanged to session.Store.Accrue, which
	// has no default of its own: zero means a charge is rejected only once
	// the session deadline itself is reached.
	DeadlineBufferSec int64
}

// NewRouter builds a gin.Engine serving the facilitator's HTTP API. release
// mirrors the teacher's gin.SetMode(gin.ReleaseMode) convention: true for
// production, false to keep Gin's default debug logging during development.
func NewRouter(cfg Config, release bool) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if release {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(cfg.Logger))

	r.GET("/health", handleHealth)
	r.GET("/supported", handleSupported(cfg))
	r.POST("/verify", handleVerify(cfg))
	r.POST("/settle", handleSettle(cfg))
	r.POST("/api/upto-close", handleUptoClose(cfg))

	return r
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger logs each request at slog.Info, matching the teacher's
// "one logger threaded via constructor injection" convention rather than a
// global gin.Default() logger.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	}
}
