package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/models"
	"github.com/your-org/ytkey/pkg/dto"
)

// JobPublisher hands download jobs and control commands to the workers.
type JobPublisher interface {
	PublishJob(ctx context.Context, job models.DownloadJob) error
	PublishControl(ctl models.DownloadControl) error
}

type DownloadHandler struct {
	jobs JobPublisher
}

func NewDownloadHandler(jobs JobPublisher) *DownloadHandler {
	return &DownloadHandler{jobs: jobs}
}

func (h *DownloadHandler) Create(c *gin.Context) {
	var req dto.CreateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !keys.ValidToken(req.Key) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key must be 1-64 letters, digits, '-' or '_'"})
		return
	}

	kind := models.DownloadKind(req.Kind)
	switch kind {
	case "":
		kind = models.DownloadKindVideo
	case models.DownloadKindVideo, models.DownloadKindAudio:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be video or audio"})
		return
	}

	job := models.DownloadJob{
		ID:        uuid.New(),
		Key:       req.Key,
		FormatID:  req.FormatID,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.jobs.PublishJob(c.Request.Context(), job); err != nil {
		slog.Error("publish download job", "key", req.Key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue download"})
		return
	}

	c.JSON(http.StatusAccepted, dto.DownloadResponse{
		ID:     job.ID,
		Key:    job.Key,
		Kind:   string(job.Kind),
		Status: string(models.DownloadStatusQueued),
	})
}

func (h *DownloadHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid download id"})
		return
	}

	if err := h.jobs.PublishControl(models.DownloadControl{Action: models.ControlCancel, JobID: id}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send cancel command"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "id": id})
}
