package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/console/domain"
	"go.uber.org/zap"
)

type AuditService interface {
	Append(ctx context.Context, workspaceID, actorID, eventType string, payload map[string]any) (*audit.Event, error)
	Events(ctx context.Context, workspaceID string) ([]audit.Event, error)
	Verify(ctx context.Context, workspaceID string) (audit.Verification, error)
	Snapshot(ctx context.Context, workspaceID string) (*audit.LedgerProof, error)
	LatestProof(ctx context.Context, workspaceID string) (*audit.LedgerProof, error)
}

type AuditHandler struct {
	service AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger}
}

// Append: POST /v1/audit/{ws}/events
func (h *AuditHandler) Append(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	var req domain.AppendEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	e, err := h.service.Append(r.Context(), ws, req.ActorID, req.EventType, req.Payload)
	if errors.Is(err, audit.ErrChainContention) {
		writeError(w, http.StatusConflict, audit.ErrChainContention.Error(), "CHAIN_CONTENTION")
		return
	}
	if err != nil {
		h.fail(w, r, "append audit event", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// Events: GET /v1/audit/{ws}/events
func (h *AuditHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Events(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		h.fail(w, r, "list audit events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Verify: GET /v1/audit/{ws}/verify
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Verify(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		h.fail(w, r, "verify audit chain", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Snapshot: POST /v1/audit/{ws}/proofs
func (h *AuditHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	proof, err := h.service.Snapshot(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		h.fail(w, r, "record ledger proof", err)
		return
	}
	writeJSON(w, http.StatusCreated, proof)
}

// LatestProof: GET /v1/audit/{ws}/proofs/latest
func (h *AuditHandler) LatestProof(w http.ResponseWriter, r *http.Request) {
	proof, err := h.service.LatestProof(r.Context(), chi.URLParam(r, "ws"))
	if err != nil {
		h.fail(w, r, "load ledger proof", err)
		return
	}
	if proof == nil {
		writeError(w, http.StatusNotFound, "no ledger proof recorded", "")
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (h *AuditHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed", zap.String("workspace_id", chi.URLParam(r, "ws")), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+op, "")
}
