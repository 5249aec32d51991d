package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agencyhq/automation/approvals"
	"github.com/agencyhq/automation/events"
	"github.com/agencyhq/automation/ledger"
	"github.com/agencyhq/automation/rules"
)

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var e events.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := s.ingress.Ingest(r.Context(), &e)
	if err != nil {
		respondDomainError(w, "failed to ingest event", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule.ID = chi.URLParam(r, "ruleId")

	if err := rules.ValidateRule(&rule, s.evaluator); err != nil {
		respondDomainError(w, "invalid rule", err)
		return
	}
	stored, err := s.rules.PutRule(r.Context(), &rule)
	if err != nil {
		respondDomainError(w, "failed to store rule", err)
		return
	}
	respondJSON(w, http.StatusOK, stored)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondDomainError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.DisableRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondDomainError(w, "failed to disable rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.rules.ListRules(r.Context(), q.Get("scope"), rules.Filter{
		Category: q.Get("category"),
		Status:   q.Get("status"),
		PackID:   q.Get("packId"),
	})
	if err != nil {
		respondDomainError(w, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": emptyIfNil(list)})
}

func (s *Server) handlePutPack(w http.ResponseWriter, r *http.Request) {
	var pack rules.Pack
	if err := json.NewDecoder(r.Body).Decode(&pack); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	pack.ID = chi.URLParam(r, "packId")

	if err := rules.ValidatePack(&pack); err != nil {
		respondDomainError(w, "invalid pack", err)
		return
	}
	if err := s.rules.PutPack(r.Context(), &pack); err != nil {
		respondDomainError(w, "failed to store pack", err)
		return
	}
	respondJSON(w, http.StatusOK, &pack)
}

func (s *Server) handleGetPack(w http.ResponseWriter, r *http.Request) {
	pack, err := s.rules.GetPack(r.Context(), chi.URLParam(r, "packId"))
	if err != nil {
		respondDomainError(w, "failed to get pack", err)
		return
	}
	respondJSON(w, http.StatusOK, pack)
}

func (s *Server) handleInstallPack(w http.ResponseWriter, r *http.Request) {
	s.togglePack(w, r, true)
}

func (s *Server) handleUninstallPack(w http.ResponseWriter, r *http.Request) {
	s.togglePack(w, r, false)
}

func (s *Server) togglePack(w http.ResponseWriter, r *http.Request, install bool) {
	var req PackToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Scope == "" {
		respondError(w, http.StatusBadRequest, "scope is required", nil)
		return
	}

	packID := chi.URLParam(r, "packId")
	var (
		n   int
		err error
	)
	if install {
		n, err = s.rules.InstallPack(r.Context(), packID, req.Scope)
	} else {
		n, err = s.rules.UninstallPack(r.Context(), packID, req.Scope)
	}
	if err != nil {
		respondDomainError(w, "failed to toggle pack", err)
		return
	}
	respondJSON(w, http.StatusOK, PackToggleResponse{PackID: packID, Scope: req.Scope, RulesToggled: n})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.gate.List(r.Context(), q.Get("tenantId"), approvals.Status(q.Get("status")))
	if err != nil {
		respondDomainError(w, "failed to list approvals", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"approvals": emptyIfNil(list)})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.gate.Get(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		respondDomainError(w, "failed to get approval request", err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleReviewApproval(w http.ResponseWriter, r *http.Request) {
	var body DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req, err := s.gate.Review(r.Context(), chi.URLParam(r, "requestId"), body.ReviewerID, body.Reason)
	if err != nil {
		respondDomainError(w, "failed to review approval request", err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleApproveApproval(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, s.gate.Approve)
}

func (s *Server) handleRejectApproval(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, s.gate.Reject)
}

type decisionFunc func(ctx context.Context, id, approverID, reason string) (*approvals.Request, error)

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, decide decisionFunc) {
	var body DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req, err := decide(r.Context(), chi.URLParam(r, "requestId"), body.ApproverID, body.Reason)
	if err != nil {
		respondDomainError(w, "failed to decide approval request", err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		RuleID:   q.Get("ruleId"),
		TenantID: q.Get("tenantId"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339", err)
			return
		}
		f.Since = t
	}

	records, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		respondDomainError(w, "failed to query executions", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"executions": emptyIfNil(records)})
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats(r.Context(), ledger.Filter{TenantID: r.URL.Query().Get("tenantId")})
	if err != nil {
		respondDomainError(w, "failed to compute stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// respondDomainError maps the error taxonomy onto HTTP statuses: validation
// problems are 400, missing resources 404, state machine and duplicate
// conflicts 409, everything else 500.
func respondDomainError(w http.ResponseWriter, message string, err error) {
	respondError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	var ve *rules.ValidationError
	var pe *approvals.PrincipalError
	switch {
	case errors.As(err, &ve),
		errors.As(err, &pe),
		errors.Is(err, events.ErrInvalidEvent),
		errors.Is(err, approvals.ErrReasonTooShort):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrNotFound),
		errors.Is(err, events.ErrEventNotFound),
		errors.Is(err, approvals.ErrRequestNotFound),
		errors.Is(err, ledger.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, approvals.ErrSeparationOfDuties),
		errors.Is(err, approvals.ErrInvalidTransition),
		errors.Is(err, ledger.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// emptyIfNil keeps list responses as [] instead of null.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
