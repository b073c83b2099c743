package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/trustgate/internal/packet"
	"go.uber.org/zap"
)

type PacketService interface {
	Export(ctx context.Context, workspaceID string, w io.Writer) (*packet.Manifest, error)
}

type PacketHandler struct {
	service PacketService
	logger  *zap.Logger
}

func NewPacketHandler(s PacketService, logger *zap.Logger) *PacketHandler {
	return &PacketHandler{service: s, logger: logger}
}

// Export: POST /v1/packets/{ws}. Архив собирается в памяти целиком,
// чтобы ошибка сборки не оставила клиенту обрезанный zip.
func (h *PacketHandler) Export(w http.ResponseWriter, r *http.Request) {
	ws := chi.URLParam(r, "ws")
	var buf bytes.Buffer
	if _, err := h.service.Export(r.Context(), ws, &buf); err != nil {
		h.logger.Error("packet export failed", zap.String("workspace_id", ws), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export proof packet", "")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="proof_packet_%s.zip"`, ws))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
