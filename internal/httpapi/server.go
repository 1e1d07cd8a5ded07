// Package httpapi is the operator surface: batch status, pause/resume/cancel
// and the result journal over HTTP, plus optional pprof.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "pacer/internal/runtime/supervisor"
	"pacer/internal/storage"
	logx "pacer/pkg/logx"
	"pacer/pkg/scheduler"
)

// Controller is the part of the scheduler the API drives.
type Controller interface {
	Status() scheduler.Status
	Snapshot() scheduler.Snapshot
	Pause()
	Resume()
	Cancel()
}

// ResultSource reads journaled results. May be nil.
type ResultSource interface {
	Results(ctx context.Context, batchID string) ([]storage.Record, error)
}

type Config struct {
	Addr         string // default "127.0.0.1:8080"
	Token        string // bearer token; empty disables auth
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// pprof profile defaults to 30s.
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	return c
}

// NewHandler builds the router.
func NewHandler(cfg Config, ctl Controller, results ResultSource, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{ctl: ctl, results: results, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLog(log), middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))
		r.Get("/status", h.status)
		r.Get("/snapshot", h.snapshot)
		r.Post("/pause", h.pause)
		r.Post("/resume", h.resume)
		r.Post("/cancel", h.cancel)
		r.Get("/results/{batch}", h.batchResults)
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Server runs the handler under a supervisor.
type Server struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func NewServer(cfg Config, handler http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), handler: handler, log: log.With(logx.String("comp", "httpapi"))}
}

// Start binds the listener synchronously so address errors surface here.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go("serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("http api listening", logx.String("addr", s.addr), logx.Bool("auth", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr reports the bound address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return
	}

	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http api shutdown error", logx.Err(err))
		_ = srv.Close()
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("http api serve error", logx.Err(err))
	}
	s.log.Info("http api stopped")
}

type handlers struct {
	ctl     Controller
	results ResultSource
	log     logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *handlers) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Snapshot())
}

func (h *handlers) pause(w http.ResponseWriter, _ *http.Request) {
	h.ctl.Pause()
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *handlers) resume(w http.ResponseWriter, _ *http.Request) {
	h.ctl.Resume()
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *handlers) cancel(w http.ResponseWriter, _ *http.Request) {
	h.ctl.Cancel()
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

func (h *handlers) batchResults(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	id := chi.URLParam(r, "batch")
	recs, err := h.results.Results(r.Context(), id)
	if err != nil {
		h.log.Warn("journal read failed", logx.String("batch", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "results": recs})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="pacer"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
