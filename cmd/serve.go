package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadgen-cli/internal/model"
	"github.com/sells-group/leadgen-cli/internal/provider"
	"github.com/sells-group/leadgen-cli/internal/resilience"
	"github.com/sells-group/leadgen-cli/internal/runner"
	"github.com/sells-group/leadgen-cli/internal/store"
)

var (
	servePort       int
	serveWithWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lead search HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(newAPI(env.Store, env.Registry, env.Breakers, env.Dispatcher), cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if serveWithWorker && (env.PGQueue != nil || env.Temporal != nil) {
			g.Go(func() error { return runWorker(gctx, env) })
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "also consume the job queue in this process")
	rootCmd.AddCommand(serveCmd)
}

// api serves the lead search endpoints.
type api struct {
	store      store.Store
	registry   *provider.Registry
	breakers   *resilience.ServiceBreakers
	dispatcher *runner.Dispatcher
	log        *zap.Logger
}

func newAPI(st store.Store, reg *provider.Registry, breakers *resilience.ServiceBreakers, d *runner.Dispatcher) *api {
	return &api{
		store:      st,
		registry:   reg,
		breakers:   breakers,
		dispatcher: d,
		log:        zap.L().With(zap.String("component", "api")),
	}
}

// buildRouter mounts the API routes behind CORS.
func buildRouter(a *api, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)
	r.Route("/lead-searches", func(r chi.Router) {
		r.Post("/", a.createSearch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getSearch)
			r.Get("/runs", a.listRuns)
			r.Post("/dispatch", a.dispatch)
		})
	})
	return r
}

// health reports store reachability plus each provider's circuit state.
// An open circuit does not make the service unhealthy.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	circuits := map[string]string{}
	if a.breakers != nil {
		for name, st := range a.breakers.States() {
			circuits[name] = st.String()
		}
	}
	if err := a.store.Ping(r.Context()); err != nil {
		a.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "circuits": circuits})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "circuits": circuits})
}

func (a *api) createSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ls, err := newLeadSearch(req)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		a.log.Error("build lead search", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if unknown := a.unknownProviders(ls.Provider); len(unknown) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", unknown[0]))
		return
	}

	ctx := r.Context()
	if err := a.store.CreateLeadSearch(ctx, ls); err != nil {
		a.log.Error("create lead search", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	log := a.log.With(zap.String("lead_search_id", ls.ID))
	log.Info("lead search created", zap.String("provider", ls.Provider), zap.String("kind", string(ls.Kind)))

	if err := a.dispatcher.Dispatch(ctx, ls); err != nil {
		log.Error("dispatch failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"id":    ls.ID,
			"error": "lead search created but could not be dispatched",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, ls)
}

// unknownProviders lists the ids name resolves to that are not registered.
func (a *api) unknownProviders(name string) []string {
	known := make(map[string]bool)
	for _, id := range a.registry.IDs() {
		known[id] = true
	}
	var unknown []string
	for _, id := range a.registry.Resolve(name) {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	return unknown
}

func (a *api) getSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ls, ok := a.loadSearch(w, r)
	if !ok {
		return
	}
	runs, err := a.store.ListRuns(ctx, model.RunFilter{LeadSearchID: ls.ID})
	if err != nil {
		a.log.Error("list runs", zap.String("lead_search_id", ls.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, searchView{LeadSearch: ls, Runs: runs})
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	ls, ok := a.loadSearch(w, r)
	if !ok {
		return
	}
	runs, err := a.store.ListRuns(r.Context(), model.RunFilter{LeadSearchID: ls.ID})
	if err != nil {
		a.log.Error("list runs", zap.String("lead_search_id", ls.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *api) dispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.dispatcher.DispatchID(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "lead search not found")
	case err != nil:
		a.log.Error("dispatch failed", zap.String("lead_search_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "dispatch failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "dispatched"})
	}
}

// loadSearch writes 404 or 500 itself and reports whether ls is usable.
func (a *api) loadSearch(w http.ResponseWriter, r *http.Request) (*model.LeadSearch, bool) {
	id := chi.URLParam(r, "id")
	ls, err := loadSearch(r.Context(), a.store, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "lead search not found")
		return nil, false
	case err != nil:
		a.log.Error("load lead search", zap.String("lead_search_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return ls, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
