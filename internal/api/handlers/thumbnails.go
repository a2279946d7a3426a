package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/pkg/dto"
)

type ThumbnailHandler struct {
	thumbs ThumbnailService
}

func NewThumbnailHandler(thumbs ThumbnailService) *ThumbnailHandler {
	return &ThumbnailHandler{thumbs: thumbs}
}

func (h *ThumbnailHandler) Get(c *gin.Context) {
	id := c.Param("video_id")
	if kind, _ := keys.ClassifyReference(id); kind != keys.ReferenceVideo || len(id) != keys.VideoIDLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid video id"})
		return
	}

	c.JSON(http.StatusOK, dto.ThumbnailResponse{
		VideoID: id,
		URL:     h.thumbs.Resolve(c.Request.Context(), id),
	})
}
