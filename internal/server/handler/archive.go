package handler

import (
	"context"
	"log/slog"
	"net/http"

	s3blob "github.com/alanyoungcy/bidround/internal/blob/s3"
)

// ArchiveReader loads archived round snapshots.
type ArchiveReader interface {
	LoadRound(ctx context.Context, id string) (s3blob.ArchivedRound, error)
}

// ArchiveHandler serves closed and cancelled rounds from cold storage.
type ArchiveHandler struct {
	archive ArchiveReader
	logger  *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(archive ArchiveReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archive: archive, logger: logger}
}

// GetRound returns the final snapshot of a dissolved round.
// GET /api/archive/rounds/{id}
func (h *ArchiveHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	doc, err := h.archive.LoadRound(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "load archived round", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
