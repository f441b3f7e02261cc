package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/RackerWilliams/otter/pkg/controller"
	"github.com/RackerWilliams/otter/pkg/metrics"
	"github.com/RackerWilliams/otter/pkg/storage"
	"github.com/RackerWilliams/otter/pkg/types"
	"github.com/RackerWilliams/otter/pkg/worker"
)

// Server exposes the anonymous capability execution endpoint plus the
// process health and metrics endpoints. The group CRUD surface lives in a
// separate service and is not served here.
type Server struct {
	store  storage.Store
	ctrl   *controller.Controller
	worker *worker.Worker
	log    zerolog.Logger
	http   *http.Server
}

func New(addr string, store storage.Store, ctrl *controller.Controller, wkr *worker.Worker, log zerolog.Logger) *Server {
	s := &Server{
		store:  store,
		ctrl:   ctrl,
		worker: wkr,
		log:    log.With().Str("component", "api").Logger(),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1.0/execute/{version}/{hash}", s.handleExecute)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	return mux
}

// Start begins serving. It blocks until Stop is called or the listener
// fails.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("API server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleExecute executes the policy behind a capability hash. The response
// is 202 as soon as the capability resolves; execution itself is
// asynchronous and its outcome (including cooldown refusals) is never
// reported to the anonymous caller.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	hash := r.PathValue("hash")

	tenantID, groupID, policyID, err := s.store.WebhookInfoByHash(hash)
	if err != nil || version != "1" {
		metrics.WebhookExecutionsTotal.WithLabelValues(strconv.Itoa(http.StatusNotFound)).Inc()
		http.NotFound(w, r)
		return
	}

	log := s.log.With().
		Str("tenant_id", tenantID).
		Str("group_id", groupID).
		Str("policy_id", policyID).
		Logger()
	log.Info().Msg("Executing webhook capability")

	go s.execute(tenantID, groupID, policyID, log)

	metrics.WebhookExecutionsTotal.WithLabelValues(strconv.Itoa(http.StatusAccepted)).Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) execute(tenantID, groupID, policyID string, log zerolog.Logger) {
	ctx := context.Background()
	group := s.store.GetGroup(tenantID, groupID)
	plan := &controller.Plan{}

	err := group.ModifyState(ctx, s.ctrl.MaybeExecutePolicy(policyID, plan))
	if err != nil {
		var cannot *types.CannotExecutePolicyError
		if errors.As(err, &cannot) {
			metrics.PolicyExecutionsTotal.WithLabelValues(metrics.OutcomeRefused).Inc()
			log.Debug().Err(err).Msg("webhook execution refused")
			return
		}
		metrics.PolicyExecutionsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		log.Error().Err(err).Msg("webhook execution failed")
		return
	}
	metrics.PolicyExecutionsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()

	if s.worker == nil {
		return
	}
	launch, err := group.ViewLaunchConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load launch config for dispatch")
		return
	}
	s.worker.Execute(ctx, group, *launch, plan)
}
