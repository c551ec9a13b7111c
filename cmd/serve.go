package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/idealista-analytics/pipeline/internal/model"
	"github.com/idealista-analytics/pipeline/internal/orchestrator"
	"github.com/idealista-analytics/pipeline/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run status and accept run triggers over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		def, err := resolveDefinition(cfg)
		if err != nil {
			return err
		}

		api := newStatusAPI(ctx, st, newOrchestrator(def, st, nil))
		startMonitoring(ctx, cfg, st)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.Router(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		api.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// statusAPI exposes run history and starts runs in the background.
type statusAPI struct {
	ctx   context.Context // lifetime of triggered runs
	store store.Store
	orch  *orchestrator.Orchestrator
	wg    sync.WaitGroup
}

func newStatusAPI(ctx context.Context, st store.Store, o *orchestrator.Orchestrator) *statusAPI {
	return &statusAPI{ctx: ctx, store: st, orch: o}
}

// Router builds the HTTP routes.
func (a *statusAPI) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Get("/stages", a.stages)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", a.listRuns)
		r.Post("/", a.startRun)
		r.Get("/{id}", a.getRun)
	})
	return r
}

// Wait blocks until every run started through the API has finished.
func (a *statusAPI) Wait() { a.wg.Wait() }

func (a *statusAPI) health(w http.ResponseWriter, r *http.Request) {
	pipeline := a.orch.Definition().Name
	active, _, err := a.store.LockHolder(r.Context(), pipeline)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"pipeline":   pipeline,
		"active_run": active,
	})
}

func (a *statusAPI) stages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.orch.Definition())
}

func (a *statusAPI) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Pipeline: a.orch.Definition().Name,
		Status:   model.RunStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := a.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *statusAPI) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *statusAPI) startRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.orch.Begin(r.Context(), "api")
	if errors.Is(err, orchestrator.ErrRunActive) {
		writeError(w, http.StatusConflict, "a run is already active")
		return
	}
	if err != nil {
		zap.L().Error("start run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start run")
		return
	}

	id := run.ID
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.orch.Execute(a.ctx, run); err != nil {
			zap.L().Error("api-triggered run failed", zap.String("run_id", id), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"run_id": id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
