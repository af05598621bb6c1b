// Package api implements C9: the gin-gonic HTTP surface of spec.md §6,
// composing commitment validation (C4), rate limiting (C3), chain lookups
// (C1), credential minting (C5), the epoch scheduler (C7/C8), and validator
// uploads (C11) behind a single route table. gin is the HTTP framework the
// sibling tos-pool coordinator uses for its own JSON API (see
// other_examples); httprouter, the teacher's own router, is kept here only
// for the static /docs and /openapi.json assets, matching how the teacher
// separates its JSON-RPC surface from static asset serving.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/julienschmidt/httprouter"

	"github.com/tos-network/resibroker/internal/brokerrors"
	"github.com/tos-network/resibroker/internal/chainview"
	"github.com/tos-network/resibroker/internal/commitment"
	"github.com/tos-network/resibroker/internal/config"
	"github.com/tos-network/resibroker/internal/credential"
	"github.com/tos-network/resibroker/internal/epoch"
	"github.com/tos-network/resibroker/internal/metrics"
	"github.com/tos-network/resibroker/internal/ratelimit"
	"github.com/tos-network/resibroker/internal/validatorupload"
	"github.com/tos-network/resibroker/internal/xlog"
)

// Server wires every component behind the route table of spec.md §6.
type Server struct {
	cfg        *config.Config
	auth       *commitment.Validator
	limiter    *ratelimit.Limiter
	chain      *chainview.View
	minter     *credential.Minter
	scheduler  *epoch.Scheduler
	uploads    *validatorupload.Service
	probes     []metrics.Prober
	engine     *gin.Engine
	docsRouter *httprouter.Router
}

func New(
	cfg *config.Config,
	auth *commitment.Validator,
	limiter *ratelimit.Limiter,
	chain *chainview.View,
	minter *credential.Minter,
	scheduler *epoch.Scheduler,
	uploads *validatorupload.Service,
	probes []metrics.Prober,
) *Server {
	s := &Server{
		cfg: cfg, auth: auth, limiter: limiter, chain: chain,
		minter: minter, scheduler: scheduler, uploads: uploads, probes: probes,
	}
	s.engine = s.buildEngine()
	s.docsRouter = s.buildDocsRouter()
	return s
}

// Handler returns the top-level handler: the teacher's own httprouter
// serves the two static documentation routes, gin serves everything else.
// Kept as two separate muxes (rather than re-registering the static routes
// on gin) so the docs surface stays on the same router family the teacher's
// own JSON-RPC HTTP transport uses.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/docs", s.docsRouter)
	mux.Handle("/openapi.json", s.docsRouter)
	mux.Handle("/", s.engine)
	return mux
}

func (s *Server) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), metricsMiddleware())

	r.GET("/healthcheck", s.handleHealthcheck)
	r.GET("/rate-limits", s.handleRateLimits)
	r.POST("/get-folder-access", s.handleMinerDataAccess)
	r.POST("/get-validator-access", s.handleValidatorAccess)
	r.POST("/get-miner-specific-access", s.handleMinerSpecificAccess)
	r.POST("/api/v1/s3-access/validator-upload", s.handleValidatorUpload)
	r.GET("/api/v1/zipcode-assignments/current", s.handleZipcodeCurrent)
	r.GET("/api/v1/zipcode-assignments/epoch/:id", s.handleZipcodeHistorical)
	r.GET("/api/v1/zipcode-assignments/stats", s.handleZipcodeStats)

	return r
}

func (s *Server) buildDocsRouter() *httprouter.Router {
	r := httprouter.New()
	r.GET("/docs", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(docsHTML))
	})
	r.GET("/openapi.json", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(openAPISpec))
	})
	return r
}

func requestLogger() gin.HandlerFunc {
	log := xlog.New("component", "api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("request handled",
			"method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "latency_ms", time.Since(start).Milliseconds())
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveStatusClass(route, c.Writer.Status())
	}
}

// writeError maps a brokerrors.Kind to the status table of spec.md §7 and
// emits the auth-failure metric when applicable; this is the single place
// in the service that turns a Kind into an HTTP status.
func writeError(c *gin.Context, err error) {
	kind := brokerrors.KindOf(err)
	status := brokerrors.HTTPStatus(kind)
	switch kind {
	case brokerrors.AuthMalformed, brokerrors.AuthSkew, brokerrors.AuthSignature,
		brokerrors.AuthUnknownKey, brokerrors.AuthNotValidator, brokerrors.AuthStake:
		metrics.AuthFailuresTotal.WithLabelValues(string(kind)).Inc()
	case brokerrors.RateExceeded:
		metrics.RateLimitRejectionsTotal.WithLabelValues("request").Inc()
	}
	c.JSON(status, gin.H{"error": string(kind), "detail": detailOf(err)})
}

func detailOf(err error) string {
	if be, ok := brokerrors.As(err); ok {
		return be.Detail
	}
	return "internal error"
}

// deadline bounds every handler's context to the configured per-dependency
// timeouts, so a slow chain/db/redis call never hangs a request goroutine
// indefinitely (spec.md §5 "every blocking call carries a deadline").
func deadline(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}
