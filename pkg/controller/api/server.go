// Package api exposes the controller's operations as a JSON HTTP surface
// over go-chi, the same shape the rest of the pack uses for its control
// planes.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
	"github.com/mlplatform/workload-controller/pkg/controller/canary"
	"github.com/mlplatform/workload-controller/pkg/controller/executor"
	"github.com/mlplatform/workload-controller/pkg/controller/policy"
	"github.com/mlplatform/workload-controller/pkg/controller/rollback"
	ctlerrors "github.com/mlplatform/workload-controller/pkg/util/errors"
)

// Server wires the Plan Executor, Canary Controller, Rollback Controller and
// Policy Engine behind a JSON HTTP API.
type Server struct {
	executor *executor.Executor
	canary   *canary.Controller
	rollback *rollback.Controller
	policy   *policy.Engine
	log      logr.Logger
}

// New builds a Server. Any dependency may be nil; routes backed by a nil
// dependency respond 503.
func New(exec *executor.Executor, canaryCtl *canary.Controller, rollbackCtl *rollback.Controller, policyEngine *policy.Engine, log logr.Logger) *Server {
	return &Server{executor: exec, canary: canaryCtl, rollback: rollbackCtl, policy: policyEngine, log: log}
}

// Router builds the chi.Router serving this API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1/plans", func(r chi.Router) {
		r.Post("/", s.handleSubmitPlan)
		r.Get("/{id}", s.handleGetPlan)
		r.Post("/{id}/approval", s.handleProvideApproval)
	})

	r.Route("/v1/canaries", func(r chi.Router) {
		r.Post("/", s.handleStartCanary)
		r.Get("/{id}", s.handleGetCanary)
		r.Post("/{id}/abort", s.handleAbortCanary)
	})

	r.Route("/v1/rollbacks", func(r chi.Router) {
		r.Post("/", s.handleTriggerRollback)
		r.Get("/{id}", s.handleGetRollback)
	})

	r.Route("/v1/policies", func(r chi.Router) {
		r.Post("/", s.handleRegisterPolicy)
		r.Get("/", s.handleListPolicies)
		r.Delete("/{id}", s.handleUnregisterPolicy)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "time": time.Now().UTC()})
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		respondError(w, http.StatusServiceUnavailable, "executor not configured")
		return
	}
	var plan workloadv1alpha1.ActionPlan
	if err := decodeJSON(w, r, &plan); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := workloadv1alpha1.EvaluationMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = plan.Mode
	}
	got, err := s.executor.Submit(r.Context(), plan, mode)
	if err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, got)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		respondError(w, http.StatusServiceUnavailable, "executor not configured")
		return
	}
	id := chi.URLParam(r, "id")
	plan, ok := s.executor.GetPlanStatus(id)
	if !ok {
		respondError(w, http.StatusNotFound, "action plan not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleProvideApproval(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		respondError(w, http.StatusServiceUnavailable, "executor not configured")
		return
	}
	id := chi.URLParam(r, "id")
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.executor.ProvideApproval(r.Context(), id, req.Token)
	if err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) handleStartCanary(w http.ResponseWriter, r *http.Request) {
	if s.canary == nil {
		respondError(w, http.StatusServiceUnavailable, "canary controller not configured")
		return
	}
	var req struct {
		Base        workloadv1alpha1.Deployment `json:"base"`
		TargetImage string                      `json:"target_image"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := s.canary.StartCanary(r.Context(), req.Base, req.TargetImage)
	if err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleGetCanary(w http.ResponseWriter, r *http.Request) {
	if s.canary == nil {
		respondError(w, http.StatusServiceUnavailable, "canary controller not configured")
		return
	}
	id := chi.URLParam(r, "id")
	state, ok := s.canary.GetCanaryStatus(id)
	if !ok {
		respondError(w, http.StatusNotFound, "canary not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleAbortCanary(w http.ResponseWriter, r *http.Request) {
	if s.canary == nil {
		respondError(w, http.StatusServiceUnavailable, "canary controller not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if !s.canary.AbortCanary(id) {
		respondError(w, http.StatusNotFound, "canary not found: "+id)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
}

func (s *Server) handleTriggerRollback(w http.ResponseWriter, r *http.Request) {
	if s.rollback == nil {
		respondError(w, http.StatusServiceUnavailable, "rollback controller not configured")
		return
	}
	var req struct {
		Deployment workloadv1alpha1.Deployment    `json:"deployment"`
		ToRevision string                         `json:"to_revision"`
		Reason     workloadv1alpha1.RollbackReason `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = workloadv1alpha1.RollbackManual
	}
	rec, err := s.rollback.TriggerRollback(r.Context(), req.Deployment, req.ToRevision, req.Reason)
	if err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetRollback(w http.ResponseWriter, r *http.Request) {
	if s.rollback == nil {
		respondError(w, http.StatusServiceUnavailable, "rollback controller not configured")
		return
	}
	id := chi.URLParam(r, "id")
	rec, ok := s.rollback.GetRollbackStatus(id)
	if !ok {
		respondError(w, http.StatusNotFound, "rollback record not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRegisterPolicy(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		respondError(w, http.StatusServiceUnavailable, "policy engine not configured")
		return
	}
	var p workloadv1alpha1.Policy
	if err := decodeJSON(w, r, &p); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.policy.RegisterPolicy(p)
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		respondError(w, http.StatusServiceUnavailable, "policy engine not configured")
		return
	}
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	respondJSON(w, http.StatusOK, s.policy.ListPolicies(enabledOnly))
}

func (s *Server) handleUnregisterPolicy(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		respondError(w, http.StatusServiceUnavailable, "policy engine not configured")
		return
	}
	s.policy.UnregisterPolicy(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondControllerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch ctlerrors.CanonicalCode(err) {
	case ctlerrors.CodeValidation, ctlerrors.CodeInvalid:
		status = http.StatusBadRequest
	case ctlerrors.CodeNotFound:
		status = http.StatusNotFound
	case ctlerrors.CodeAlreadyExists:
		status = http.StatusConflict
	case ctlerrors.CodePolicyRejected, ctlerrors.CodeBlastRadiusExceeded:
		status = http.StatusForbidden
	case ctlerrors.CodeAwaitingApproval:
		status = http.StatusAccepted
	case ctlerrors.CodeClusterUnavailable, ctlerrors.CodeClusterTimeout:
		status = http.StatusBadGateway
	}
	respondError(w, status, err.Error())
}
