package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/trustgate/internal/console/domain"
	"github.com/xela07ax/trustgate/internal/shredder"
	"go.uber.org/zap"
)

type ShredService interface {
	EnsureKey(ctx context.Context, workspaceID string) (bool, error)
	Encrypt(ctx context.Context, workspaceID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, workspaceID string, data []byte) ([]byte, error)
	Shred(ctx context.Context, workspaceID string) (*shredder.Receipt, error)
}

type ShredHandler struct {
	service ShredService
	logger  *zap.Logger
}

func NewShredHandler(s ShredService, logger *zap.Logger) *ShredHandler {
	return &ShredHandler{service: s, logger: logger}
}

// EnsureKey: POST /v1/shred/{ws}/key
func (h *ShredHandler) EnsureKey(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	persisted, err := h.service.EnsureKey(r.Context(), ws)
	if err != nil {
		h.fail(w, ws, "ensure key", err)
		return
	}
	writeJSON(w, http.StatusOK, domain.KeyStatus{WorkspaceID: ws, Persisted: persisted})
}

// Encrypt: POST /v1/shred/{ws}/encrypt; тело: сырые байты, ответ: envelope.
func (h *ShredHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, "encrypt", h.service.Encrypt)
}

// Decrypt: POST /v1/shred/{ws}/decrypt
func (h *ShredHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, "decrypt", h.service.Decrypt)
}

// Shred: DELETE /v1/shred/{ws}. Повторное уничтожение отвечает 204.
func (h *ShredHandler) Shred(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	receipt, err := h.service.Shred(r.Context(), ws)
	if err != nil {
		h.fail(w, ws, "shred workspace", err)
		return
	}
	if receipt == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *ShredHandler) transform(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, workspaceID string, data []byte) ([]byte, error)) {
	ws := chi.URLParam(r, "ws")
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", "")
		return
	}
	out, err := fn(r.Context(), ws, body)
	if err != nil {
		h.fail(w, ws, op, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (h *ShredHandler) fail(w http.ResponseWriter, ws, op string, err error) {
	if errors.Is(err, shredder.ErrDataShredded) {
		writeError(w, http.StatusForbidden, shredder.ErrDataShredded.Error(), "DATA_SHREDDED")
		return
	}
	h.logger.Error(op+" failed", zap.String("workspace_id", ws), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+op, "")
}
