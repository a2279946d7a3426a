package models

import "time"

// CacheEntry maps a cache key to the URL it was derived from.
type CacheEntry struct {
	Key       string    `json:"key" db:"key"`
	URL       string    `json:"url" db:"url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
