package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"workerscheduler/internal/history"
	"workerscheduler/internal/worker"
)

// Registry is the part of the scheduler the API needs.
type Registry interface {
	Workers() []*worker.Worker
	WorkerByName(name string) (*worker.Worker, bool)
}

type Options struct {
	// History is optional; without it the runs endpoint returns 404.
	History history.Repository
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Debug   bool
}

type Server struct {
	r    *chi.Mux
	reg  Registry
	runs history.Repository
	log  zerolog.Logger
}

func NewServer(reg Registry, opts Options) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, reg: reg, runs: opts.History, log: log.With().Str("component", "api").Logger()}

	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api/workers", func(r chi.Router) {
		r.Get("/", s.listWorkers)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.getWorker)
			r.Post("/activate", s.activate)
			r.Post("/deactivate", s.deactivate)
			r.Get("/runs", s.listRuns)
		})
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.reg.Workers()
	out := make([]worker.Snapshot, 0, len(workers))
	for _, wk := range workers {
		out = append(out, wk.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*worker.Worker, bool) {
	name := chi.URLParam(r, "name")
	wk, ok := s.reg.WorkerByName(name)
	if !ok {
		http.Error(w, "no such worker: "+name, http.StatusNotFound)
	}
	return wk, ok
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wk.Snapshot())
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.lookup(w, r)
	if !ok {
		return
	}
	wk.Activate()
	s.log.Info().Str("worker", wk.Name()).Msg("activated via api")
	writeJSON(w, http.StatusOK, wk.Snapshot())
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.lookup(w, r)
	if !ok {
		return
	}
	wk.Deactivate()
	s.log.Info().Str("worker", wk.Name()).Msg("deactivated via api")
	writeJSON(w, http.StatusOK, wk.Snapshot())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "run history disabled", http.StatusNotFound)
		return
	}
	wk, ok := s.lookup(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRecent(r.Context(), wk.Name(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
