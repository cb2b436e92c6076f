// Package server exposes the supervisor over HTTP for the serve command.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sessionwatch/internal/lockfile"
	"github.com/loykin/sessionwatch/internal/metrics"
	"github.com/loykin/sessionwatch/internal/supervisor"
)

// Sessions is the subset of *supervisor.Supervisor the API drives.
type Sessions interface {
	Start(ctx context.Context, key, workDir string) (supervisor.StartResult, error)
	Stop(ctx context.Context, key string) (supervisor.StopResult, error)
	Status(ctx context.Context, usage bool) ([]supervisor.SessionStatus, error)
	Session(key string, usage bool) (supervisor.SessionStatus, error)
	Sweep(ctx context.Context) ([]lockfile.Record, error)
}

// Router serves:
//
//	GET    {base}/sessions        ?usage=1 samples CPU and memory
//	GET    {base}/sessions/:id
//	POST   {base}/sessions/:id    body: {"cwd": "/abs/dir"} (optional)
//	DELETE {base}/sessions/:id    stop
//	POST   {base}/sweep
//	GET    /metrics               when a gatherer is set
//
// Session ids containing '/' must be percent-encoded.
type Router struct {
	sessions Sessions
	basePath string
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

func NewRouter(s Sessions, basePath string, g prometheus.Gatherer, log *slog.Logger) *Router {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{sessions: s, basePath: sanitizeBase(basePath), gatherer: g, log: log.With("component", "http")}
}

// Handler returns a gin engine that can be mounted in any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.UseRawPath = true
	g.UnescapePathValues = true
	g.Use(gin.Recovery(), r.accessLog)
	group := g.Group(r.basePath)
	group.GET("/sessions", r.handleList)
	group.GET("/sessions/:id", r.handleGet)
	group.POST("/sessions/:id", r.handleStart)
	group.DELETE("/sessions/:id", r.handleStop)
	group.POST("/sweep", r.handleSweep)
	if r.gatherer != nil {
		g.GET("/metrics", gin.WrapH(metrics.Handler(r.gatherer)))
	}
	return g
}

// NewServer wraps h in an http.Server with conservative timeouts. The stop
// handler may wait out a graceful window, so the write timeout leaves room.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type startReq struct {
	Cwd string `json:"cwd"`
}

type sweepResp struct {
	Removed []lockfile.Record `json:"removed"`
}

func (r *Router) accessLog(c *gin.Context) {
	began := time.Now()
	c.Next()
	r.log.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(began))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrInvalidSession), errors.Is(err, lockfile.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, lockfile.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		r.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func wantUsage(c *gin.Context) bool {
	ok, _ := strconv.ParseBool(c.Query("usage"))
	return ok
}

func (r *Router) handleList(c *gin.Context) {
	sts, err := r.sessions.Status(c.Request.Context(), wantUsage(c))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleGet(c *gin.Context) {
	st, err := r.sessions.Session(c.Param("id"), wantUsage(c))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if !isSafeAbsPath(req.Cwd) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid cwd: must be absolute path without traversal"})
		return
	}
	res, err := r.sessions.Start(c.Request.Context(), c.Param("id"), req.Cwd)
	if err != nil {
		r.fail(c, err)
		return
	}
	code := http.StatusCreated
	if res.Status == supervisor.StatusAlreadyRunning {
		code = http.StatusOK
	}
	writeJSON(c, code, res)
}

func (r *Router) handleStop(c *gin.Context) {
	res, err := r.sessions.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleSweep(c *gin.Context) {
	removed, err := r.sessions.Sweep(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	if removed == nil {
		removed = []lockfile.Record{}
	}
	writeJSON(c, http.StatusOK, sweepResp{Removed: removed})
}
