package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/clipstash/importd/internal/domain"
	"github.com/clipstash/importd/internal/repository"
	"github.com/clipstash/importd/internal/requestid"
	"github.com/clipstash/importd/internal/usecase"
	"github.com/gin-gonic/gin"
)

type ImportHandler struct {
	imports *usecase.ImportUsecase
	logger  *slog.Logger
}

func NewImportHandler(imports *usecase.ImportUsecase, logger *slog.Logger) *ImportHandler {
	return &ImportHandler{imports: imports, logger: logger.With("component", "import_handler")}
}

type submitRequest struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"      binding:"required"`
	Type      string `json:"type"     binding:"omitempty,oneof=url drive platform local"`
	FileName  string `json:"fileName"`
	VideoID   string `json:"videoId"`
	APIKey    string `json:"apiKey"`
}

type jobResponse struct {
	ID            string              `json:"id"`
	SourceKind    domain.SourceKind   `json:"type"`
	SourceRef     string              `json:"sourceRef"`
	FileName      *string             `json:"fileName,omitempty"`
	CatalogID     *string             `json:"videoId,omitempty"`
	Status        domain.Status       `json:"status"`
	AttemptsMade  int                 `json:"attemptsMade"`
	MaxAttempts   int                 `json:"maxAttempts"`
	Progress      *domain.Progress    `json:"progress,omitempty"`
	ReturnValue   *domain.ReturnValue `json:"returnValue,omitempty"`
	FailureReason *string             `json:"failureReason,omitempty"`
	EnqueuedAt    time.Time           `json:"enqueuedAt"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	FinishedAt    *time.Time          `json:"finishedAt,omitempty"`
}

func toJobResponse(j *domain.Job) jobResponse {
	return jobResponse{
		ID:            j.ID,
		SourceKind:    j.SourceKind,
		SourceRef:     j.SourceRef,
		FileName:      j.FileName,
		CatalogID:     j.CatalogID,
		Status:        j.Status,
		AttemptsMade:  j.AttemptsMade,
		MaxAttempts:   j.MaxAttempts,
		Progress:      j.Progress,
		ReturnValue:   j.ReturnValue,
		FailureReason: j.FailureReason,
		EnqueuedAt:    j.EnqueuedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
}

// Submit accepts {url, type?, fileName?, videoId?, apiKey?}. videoId and
// apiKey may also arrive as headers, matching the pre-stager's metadata
// contract. A missing requestId gets a generated one.
func (h *ImportHandler) Submit(ctx *gin.Context) {
	var req submitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.VideoID == "" {
		req.VideoID = ctx.GetHeader("X-Video-Id")
	}
	if req.APIKey == "" {
		req.APIKey = ctx.GetHeader("X-Api-Key")
	}
	if req.RequestID == "" {
		req.RequestID = requestid.New()
	}
	if req.Type == "" {
		req.Type = string(domain.SourceURL)
	}

	job, err := h.imports.Submit(ctx.Request.Context(), usecase.SubmitInput{
		RequestID:  req.RequestID,
		SourceKind: domain.SourceKind(req.Type),
		SourceRef:  req.URL,
		FileName:   req.FileName,
		CatalogID:  req.VideoID,
		APIKey:     req.APIKey,
	})
	if err != nil {
		h.logger.Error("submit import", "error", err)
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusCreated, toJobResponse(job))
}

func (h *ImportHandler) GetByID(ctx *gin.Context) {
	job, err := h.imports.GetByID(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("get job", "job_id", ctx.Param("id"), "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, toJobResponse(job))
}

func (h *ImportHandler) List(ctx *gin.Context) {
	page, _ := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))

	var statuses []domain.Status
	for _, s := range ctx.QueryArray("status") {
		statuses = append(statuses, domain.Status(s))
	}

	jobs, err := h.imports.List(ctx.Request.Context(), repository.ListJobsInput{
		Statuses: statuses,
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		h.logger.Error("list jobs", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": out, "page": page, "limit": limit})
}

func (h *ImportHandler) Logs(ctx *gin.Context) {
	lines, err := h.imports.Logs(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("job logs", "job_id", ctx.Param("id"), "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"logs": lines})
}

func (h *ImportHandler) Retry(ctx *gin.Context) {
	err := h.imports.Retry(ctx.Request.Context(), ctx.Param("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
	case errors.Is(err, domain.ErrJobNotRetryable):
		ctx.JSON(http.StatusConflict, gin.H{"error": errNotRetryable})
	case err != nil:
		h.logger.Error("retry job", "job_id", ctx.Param("id"), "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	default:
		ctx.JSON(http.StatusOK, gin.H{"status": "queued"})
	}
}

func (h *ImportHandler) Delete(ctx *gin.Context) {
	err := h.imports.Delete(ctx.Request.Context(), ctx.Param("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
	case errors.Is(err, domain.ErrJobNotRetryable):
		ctx.JSON(http.StatusConflict, gin.H{"error": errJobActive})
	case err != nil:
		h.logger.Error("delete job", "job_id", ctx.Param("id"), "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	default:
		ctx.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

func (h *ImportHandler) Kill(ctx *gin.Context) {
	err := h.imports.Kill(ctx.Request.Context(), ctx.Param("id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
	case errors.Is(err, domain.ErrJobNotActive):
		ctx.JSON(http.StatusConflict, gin.H{"error": errJobNotActive})
	case err != nil:
		h.logger.Error("kill job", "job_id", ctx.Param("id"), "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
	default:
		ctx.JSON(http.StatusOK, gin.H{"status": "killed"})
	}
}
