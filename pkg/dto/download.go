package dto

import "github.com/google/uuid"

type CreateDownloadRequest struct {
	Key      string `json:"key" binding:"required"`
	FormatID string `json:"format_id"`
	Kind     string `json:"kind"` // video (default), audio
}

type DownloadResponse struct {
	ID     uuid.UUID `json:"id"`
	Key    string    `json:"key"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
}
