package dto

import "github.com/google/uuid"

type DownloadEventResponse struct {
	JobID      uuid.UUID `json:"job_id"`
	Key        string    `json:"key"`
	Status     string    `json:"status"`
	ObjectKey  string    `json:"object_key,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	Duration   float64   `json:"duration_seconds,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt string    `json:"occurred_at"`
}

// WSEvent is a WebSocket message for real-time download progress.
type WSEvent struct {
	Type  string                `json:"type"` // download_status
	JobID uuid.UUID             `json:"job_id"`
	Key   string                `json:"key"`
	Data  DownloadEventResponse `json:"data"`
}
