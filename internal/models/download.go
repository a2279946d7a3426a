package models

import (
	"time"

	"github.com/google/uuid"
)

type DownloadStatus string

const (
	DownloadStatusQueued    DownloadStatus = "queued"
	DownloadStatusRunning   DownloadStatus = "running"
	DownloadStatusCompleted DownloadStatus = "completed"
	DownloadStatusCancelled DownloadStatus = "cancelled"
	DownloadStatusFailed    DownloadStatus = "failed"
)

type DownloadKind string

const (
	DownloadKindVideo DownloadKind = "video"
	DownloadKindAudio DownloadKind = "audio"
)

// DownloadJob is the message published to NATS for download workers.
type DownloadJob struct {
	ID        uuid.UUID    `json:"id"`
	Key       string       `json:"key"`
	FormatID  string       `json:"format_id,omitempty"`
	Kind      DownloadKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
}

// DownloadEvent reports the progress of a job back to API subscribers.
type DownloadEvent struct {
	JobID      uuid.UUID      `json:"job_id"`
	Key        string         `json:"key"`
	Status     DownloadStatus `json:"status"`
	ObjectKey  string         `json:"object_key,omitempty"`
	Bytes      int64          `json:"bytes,omitempty"`
	Duration   float64        `json:"duration_seconds,omitempty"`
	Error      string         `json:"error,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

const ControlCancel = "cancel"

// DownloadControl is a raw NATS command addressed to running workers.
type DownloadControl struct {
	Action string    `json:"action"`
	JobID  uuid.UUID `json:"job_id"`
}

// Terminal reports whether no further events follow this status.
func (s DownloadStatus) Terminal() bool {
	switch s {
	case DownloadStatusCompleted, DownloadStatusCancelled, DownloadStatusFailed:
		return true
	}
	return false
}
