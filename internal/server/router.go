// Package server exposes the engine supervisor over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gridvisor/internal/auth"
	"github.com/loykin/gridvisor/internal/engine"
	"github.com/loykin/gridvisor/internal/metrics"
	"github.com/loykin/gridvisor/internal/process"
	"github.com/loykin/gridvisor/internal/supervisor"
	"github.com/loykin/gridvisor/pkg/client"
)

// Engine is the part of the supervisor the HTTP surface needs.
type Engine interface {
	Acquire(ctx context.Context) (engine.Channel, error)
	Reap(ctx context.Context) (process.ReapResult, error)
	Status() supervisor.Status
}

// Router provides embeddable HTTP handlers for the engine supervisor.
// Endpoints:
//
//	GET  {basePath}/engine/status
//	POST {basePath}/engine/acquire   query: wait=10s (optional, bounds queueing
//	                                 behind another reconciliation only)
//	POST {basePath}/engine/reap
//	GET  {basePath}/healthz
//	GET  {basePath}/metrics          only with WithMetrics
//	POST {basePath}/auth/login       only with WithAuth
//
// With auth enabled, status needs the viewer or operator role and acquire
// and reap need operator. healthz and metrics stay open.
type Router struct {
	eng       Engine
	basePath  string
	metrics   prometheus.Gatherer
	resources func() metrics.Sample
	auth      *auth.Service
	logger    *slog.Logger
}

type Option func(*Router)

// WithMetrics mounts a Prometheus handler for g under the base path. A nil g
// serves the default gatherer.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(r *Router) {
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		r.metrics = g
	}
}

// WithResources adds the latest engine resource sample to status responses.
func WithResources(f func() metrics.Sample) Option { return func(r *Router) { r.resources = f } }

// WithAuth protects the engine routes with svc.
func WithAuth(svc *auth.Service) Option { return func(r *Router) { r.auth = svc } }

func WithLogger(lg *slog.Logger) Option {
	return func(r *Router) {
		if lg != nil {
			r.logger = lg
		}
	}
}

func NewRouter(eng Engine, basePath string, opts ...Option) *Router {
	r := &Router{eng: eng, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	r.Mount(g.Group(r.basePath))
	return g
}

// Mount registers the routes on an existing gin group.
func (r *Router) Mount(group *gin.RouterGroup) {
	group.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(metrics.Handler(r.metrics)))
	}

	eng := group.Group("/engine")
	if r.auth.Enabled() {
		group.POST("/auth/login", r.handleLogin)
		eng.Use(r.auth.GinAuth())
		eng.GET("/status", r.auth.RequireRole(auth.RoleViewer, auth.RoleOperator), r.handleStatus)
		eng.POST("/acquire", r.auth.RequireRole(auth.RoleOperator), r.handleAcquire)
		eng.POST("/reap", r.auth.RequireRole(auth.RoleOperator), r.handleReap)
		return
	}
	eng.GET("/status", r.handleStatus)
	eng.POST("/acquire", r.handleAcquire)
	eng.POST("/reap", r.handleReap)
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("http request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "elapsed", time.Since(start).Round(time.Microsecond))
	}
}

// NewServer builds the standalone HTTP server; tlsCfg may be nil.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// acquire may wait for a reap plus a probe
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// Serve listens on srv.Addr, using TLS when srv.TLSConfig is set, until the
// server is shut down.
func Serve(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if srv.TLSConfig != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (r *Router) handleStatus(c *gin.Context) {
	st := toStatus(r.eng.Status())
	if r.resources != nil {
		if s := r.resources(); s.PID > 0 && int(s.PID) == st.PID {
			st.Resources = &client.Usage{
				CPUPercent: s.CPUPercent,
				MemoryRSS:  s.MemoryRSS,
				NumThreads: s.NumThreads,
				NumFDs:     s.NumFDs,
				SampledAt:  s.Timestamp,
			}
		}
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleAcquire(c *gin.Context) {
	ctx := c.Request.Context()
	if w := c.Query("wait"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, client.ErrorResponse{Error: "invalid wait duration: " + w})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if _, err := r.eng.Acquire(ctx); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrUnavailable) {
			code = http.StatusServiceUnavailable
			c.Header("Retry-After", "5")
		}
		writeJSON(c, code, client.ErrorResponse{Error: err.Error()})
		return
	}
	st := r.eng.Status()
	writeJSON(c, http.StatusOK, client.AcquireResponse{Port: st.Port, PID: st.PID, Version: st.Version, InstanceID: st.InstanceID})
}

func (r *Router) handleReap(c *gin.Context) {
	res, err := r.eng.Reap(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, client.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, client.ReapResponse{
		Matched:    res.Matched,
		Terminated: res.Terminated,
		Killed:     res.Killed,
		PIDs:       res.PIDs,
		Duration:   res.Duration.Round(time.Millisecond).String(),
	})
}

// handleLogin takes basic credentials or a JSON body and returns a bearer token.
func (r *Router) handleLogin(c *gin.Context) {
	name, secret, ok := c.Request.BasicAuth()
	if !ok {
		var req client.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, client.ErrorResponse{Error: "credentials required"})
			return
		}
		name, secret = req.Username, req.Password
	}
	res, tok, err := r.auth.Login(name, secret)
	if err != nil {
		r.logger.Info("login rejected", "principal", name, "remote", c.ClientIP())
		writeJSON(c, http.StatusUnauthorized, client.ErrorResponse{Error: err.Error()})
		return
	}
	r.logger.Info("login", "principal", res.Subject, "method", res.Method, "remote", c.ClientIP())
	writeJSON(c, http.StatusOK, client.LoginResponse{Token: tok.Value, Type: tok.Type, ExpiresAt: tok.ExpiresAt, Roles: res.Roles})
}

func toStatus(s supervisor.Status) client.EngineStatus {
	return client.EngineStatus{
		State:       string(s.State),
		Port:        s.Port,
		InstanceID:  s.InstanceID,
		PID:         s.PID,
		Version:     s.Version,
		StartedAt:   s.StartedAt,
		ReadyAt:     s.ReadyAt,
		Acquires:    s.Acquires,
		Launches:    s.Launches,
		LastError:   s.LastError,
		LastErrorAt: s.LastErrorAt,
	}
}
