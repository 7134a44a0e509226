package handler

import (
	"log/slog"
	"net/http"

	"github.com/clipstash/importd/internal/usecase"
	"github.com/gin-gonic/gin"
)

type QueueHandler struct {
	imports *usecase.ImportUsecase
	logger  *slog.Logger
}

func NewQueueHandler(imports *usecase.ImportUsecase, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{imports: imports, logger: logger.With("component", "queue_handler")}
}

func (h *QueueHandler) Counts(ctx *gin.Context) {
	counts, err := h.imports.Counts(ctx.Request.Context())
	if err != nil {
		h.logger.Error("queue counts", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, counts)
}

func (h *QueueHandler) Pause(ctx *gin.Context) {
	if err := h.imports.Pause(ctx.Request.Context()); err != nil {
		h.logger.Error("pause queue", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *QueueHandler) Resume(ctx *gin.Context) {
	if err := h.imports.Resume(ctx.Request.Context()); err != nil {
		h.logger.Error("resume queue", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (h *QueueHandler) Drain(ctx *gin.Context) {
	removed, err := h.imports.Drain(ctx.Request.Context())
	if err != nil {
		h.logger.Error("drain queue", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "drained", "removed": removed})
}

// Obliterate removes every job regardless of state. The caller must confirm
// with ?force=true.
func (h *QueueHandler) Obliterate(ctx *gin.Context) {
	force := ctx.Query("force") == "true"
	removed, err := h.imports.Obliterate(ctx.Request.Context(), force)
	if err != nil {
		if !force {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "obliterate requires force=true"})
			return
		}
		h.logger.Error("obliterate queue", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "obliterated", "removed": removed})
}
