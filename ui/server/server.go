// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package server exposes a Manager over HTTP. It serves a small JSON API
// to enqueue and inspect jobs, a trigger for single processing passes,
// and a WebSocket endpoint that pushes the queue state to clients.
package server

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/olivere/jobqueue"
)

const (
	defaultStateInterval   = 1 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	recentJobs             = 10
	activeJobs             = 100
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	m        *jobqueue.Manager
	logger   *zap.Logger
	validate *validator.Validate
	hub      *hub
	interval time.Duration
	origins  []string
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// SetLogger specifies the logger for requests and errors.
func SetLogger(logger *zap.Logger) Option {
	return func(srv *Server) {
		if logger != nil {
			srv.logger = logger
		}
	}
}

// SetStateInterval specifies how often the queue state is pushed to
// WebSocket clients. The default is one second.
func SetStateInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.interval = d
		}
	}
}

// SetAllowedOrigins enables CORS for browser clients served from the
// given origins.
func SetAllowedOrigins(origins ...string) Option {
	return func(srv *Server) {
		srv.origins = origins
	}
}

// New initializes a new Server.
func New(m *jobqueue.Manager, options ...Option) *Server {
	srv := &Server{
		m:        m,
		logger:   zap.NewNop(),
		validate: newValidator(),
		interval: defaultStateInterval,
	}
	for _, opt := range options {
		opt(srv)
	}
	srv.hub = newHub(srv.logger)
	srv.router = srv.routes()
	return srv
}

// newValidator returns a validator that reports fields by their JSON name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (srv *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(srv.requestLogger)
	r.Use(middleware.Recoverer)
	if len(srv.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: srv.origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", srv.createJob)
		r.Post("/jobs/test", srv.createTestJob)
		r.Get("/jobs", srv.listJobs)
		r.Get("/jobs/{id}", srv.getJob)
		r.Get("/stats", srv.stats)
		r.Post("/process", srv.process)
	})
	r.Get("/ws", srv.serveWS)
	return r
}

// Handler returns the HTTP handler of the server. Requests to /ws are
// rejected with 503 Service Unavailable until Run is called.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

// Run pushes the queue state to WebSocket clients until ctx is done.
func (srv *Server) Run(ctx context.Context) {
	go srv.watch(ctx)
	srv.hub.run(ctx)
}

// Serve starts the web server at the given address and blocks until ctx
// is done or the server fails. On cancellation, the server is shut down
// gracefully.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hs := &http.Server{
		Addr:         addr,
		Handler:      srv.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go srv.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		srv.logger.Info("web server listening", zap.String("addr", addr))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer shutdownCancel()
	return hs.Shutdown(shutdownCtx)
}

// requestLogger logs each HTTP request with structured fields.
func (srv *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		srv.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// State is the current state of the job queue.
type State struct {
	Type       string          `json:"type"`
	Stats      *jobqueue.Stats `json:"stats,omitempty"`
	Pending    []*jobqueue.Job `json:"pending,omitempty"`
	Processing []*jobqueue.Job `json:"processing,omitempty"`
	Completed  []*jobqueue.Job `json:"completed,omitempty"`
	Failed     []*jobqueue.Job `json:"failed,omitempty"`
}

func (srv *Server) watch(ctx context.Context) {
	t := time.NewTicker(srv.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			state, err := srv.state(ctx)
			if err != nil {
				if ctx.Err() == nil {
					srv.logger.Error("unable to collect queue state", zap.Error(err))
				}
				continue
			}
			srv.hub.publish(state)
		case <-ctx.Done():
			return
		}
	}
}

func (srv *Server) state(ctx context.Context) (*State, error) {
	stats, err := srv.m.Stats(ctx, nil)
	if err != nil {
		return nil, err
	}
	state := &State{Type: "SET_STATE", Stats: stats}
	lists := []struct {
		status jobqueue.Status
		limit  int
		dst    *[]*jobqueue.Job
	}{
		{jobqueue.Pending, activeJobs, &state.Pending},
		{jobqueue.Processing, activeJobs, &state.Processing},
		{jobqueue.Completed, recentJobs, &state.Completed},
		{jobqueue.Failed, recentJobs, &state.Failed},
	}
	for _, l := range lists {
		rsp, err := srv.m.List(ctx, &jobqueue.ListRequest{Status: l.status, Limit: l.limit})
		if err != nil {
			return nil, err
		}
		*l.dst = rsp.Jobs
	}
	return state, nil
}
