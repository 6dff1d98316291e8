package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aravindas4/entrypoint/internal/metrics"
	"github.com/aravindas4/entrypoint/internal/orchestrator"
)

// StatusSource exposes the orchestrator's progress to the status endpoints.
type StatusSource interface {
	Snapshot() orchestrator.Snapshot
}

// Router serves the read-only status endpoints:
//
//	GET {basePath}/healthz   liveness, 200 while the orchestrator runs
//	GET {basePath}/readyz    200 once the server child is SERVING, else 503
//	GET {basePath}/status    orchestrator snapshot
//	GET {basePath}/metrics   prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a Router. Example basePath: "/_entrypoint" results in
// /_entrypoint/healthz, /_entrypoint/readyz and so on.
func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: cleanBasePath(basePath), metrics: metrics.Handler()}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/readyz", r.handleReady)
	group.GET("/status", r.handleStatus)
	group.GET("/metrics", gin.WrapH(r.metrics))
	return g
}

// NewServer binds addr and serves the router in the background. Bind errors
// are returned immediately; callers stop the server with Shutdown or Close.
func NewServer(addr, basePath string, src StatusSource, log *slog.Logger) (*http.Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(src, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Status server stopped", "addr", server.Addr, "error", err)
		}
	}()
	log.Info("Status server listening", "addr", server.Addr, "base_path", cleanBasePath(basePath))
	return server, nil
}

type healthResp struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{Status: "healthy", State: r.src.Snapshot().State})
}

func (r *Router) handleReady(c *gin.Context) {
	state := r.src.Snapshot().State
	if state != orchestrator.Serving.String() {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "not_ready", State: state})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Status: "ready", State: state})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Snapshot())
}
