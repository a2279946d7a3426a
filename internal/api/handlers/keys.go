package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/ytkey/internal/extract"
	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/resolver"
	"github.com/your-org/ytkey/internal/storage"
	"github.com/your-org/ytkey/pkg/dto"
)

// KeyService submits references and resolves keys.
type KeyService interface {
	Submit(ctx context.Context, input string) (keys.Key, error)
	Resolve(ctx context.Context, key keys.Key) (*extract.Result, error)
}

// ThumbnailService picks a preview image for a video ID. It never fails.
type ThumbnailService interface {
	Resolve(ctx context.Context, videoID string) string
}

type KeyHandler struct {
	keys   KeyService
	thumbs ThumbnailService
}

func NewKeyHandler(keys KeyService, thumbs ThumbnailService) *KeyHandler {
	return &KeyHandler{keys: keys, thumbs: thumbs}
}

// Submit turns a link, video ID or URL into a replayable key.
func (h *KeyHandler) Submit(c *gin.Context) {
	var req dto.SubmitReferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := h.keys.Submit(c.Request.Context(), req.Input)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrUnsupportedReference):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, storage.ErrKeyCollision):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			slog.Error("submit reference", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	resp := dto.SubmitReferenceResponse{Key: key.String(), Kind: "cache"}
	if id, ok := key.(keys.VideoID); ok {
		resp.Kind = "video"
		resp.Thumbnail = h.thumbs.Resolve(c.Request.Context(), id.String())
	}
	c.JSON(http.StatusCreated, resp)
}

// Resolve returns the formats a key resolves to.
func (h *KeyHandler) Resolve(c *gin.Context) {
	key := keys.Parse(c.Param("key"))

	res, err := h.keys.Resolve(c.Request.Context(), key)
	if err != nil {
		status := extractStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("resolve key", "key", key, "error", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if res == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "key expired or never existed"})
		return
	}

	c.JSON(http.StatusOK, resultToResponse(res))
}

func extractStatus(err error) int {
	switch {
	case errors.Is(err, extract.ErrUnavailable):
		return http.StatusNotFound
	case errors.Is(err, extract.ErrUnsupportedURL):
		return http.StatusUnprocessableEntity
	case errors.Is(err, extract.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, extract.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func resultToResponse(res *extract.Result) dto.ResolveResponse {
	formats := make([]dto.FormatResponse, 0, len(res.Formats))
	for _, f := range res.Formats {
		size := f.Filesize
		if size == 0 {
			size = f.FilesizeEx
		}
		formats = append(formats, dto.FormatResponse{
			ID:       f.ID,
			Ext:      f.Ext,
			Note:     f.Note,
			Width:    f.Width,
			Height:   f.Height,
			FPS:      f.FPS,
			Video:    f.HasVideo(),
			Audio:    f.HasAudio(),
			Filesize: size,
		})
	}
	return dto.ResolveResponse{
		Key:        res.Key,
		ID:         res.ID,
		Title:      res.Title,
		Uploader:   res.Uploader,
		Duration:   res.Duration.Seconds(),
		WebpageURL: res.WebpageURL,
		Thumbnail:  res.Thumbnail,
		Extractor:  res.Extractor,
		Formats:    formats,
	}
}
