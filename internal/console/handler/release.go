package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/xela07ax/trustgate/internal/console/domain"
	"github.com/xela07ax/trustgate/internal/engine"
	"github.com/xela07ax/trustgate/internal/releasecert"
	"github.com/xela07ax/trustgate/internal/shredder"
	"go.uber.org/zap"
)

// ReleaseService: что нужно обработчику от сервиса выпуска.
type ReleaseService interface {
	Decide(ctx context.Context, req engine.ReleaseRequest) (*engine.Outcome, error)
	Meta() releasecert.Meta
	VerifyToken(token string) (*releasecert.Payload, error)
}

type ReleaseHandler struct {
	service ReleaseService
	logger  *zap.Logger
}

func NewReleaseHandler(s ReleaseService, logger *zap.Logger) *ReleaseHandler {
	return &ReleaseHandler{service: s, logger: logger}
}

// Release прогоняет находки и ответ модели через гейт.
// POST /v1/release
func (h *ReleaseHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req engine.ReleaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	out, err := h.service.Decide(r.Context(), req)
	if errors.Is(err, shredder.ErrDataShredded) {
		writeError(w, http.StatusForbidden, shredder.ErrDataShredded.Error(), "DATA_SHREDDED")
		return
	}
	if err != nil {
		h.logger.Error("release failed",
			zap.String("trace_id", engine.TraceID(r.Context())),
			zap.String("workspace_id", req.WorkspaceID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "release decision failed", "")
		return
	}

	if out.Certificate != nil {
		w.Header().Set(releasecert.HeaderCert, out.Certificate.Token)
		w.Header().Set(releasecert.HeaderChain, out.ChainSummary)
	}
	writeJSON(w, out.Status, out)
}

// Meta: GET /v1/release/cert/meta
func (h *ReleaseHandler) Meta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Meta())
}

// Verify: POST /v1/release/cert/verify
func (h *ReleaseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	payload, err := h.service.VerifyToken(req.Token)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, domain.VerifyTokenResponse{Valid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, domain.VerifyTokenResponse{Valid: true, Payload: payload})
}
