// Package keys defines the compact keys that address resolvable media.
//
// A key is either a canonical 11-character YouTube video ID or a key issued by
// the key cache for an arbitrary URL. The variant is decided once, by Parse,
// and carried as a Go type from then on.
package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// VideoIDLength is the length of every YouTube video ID.
	VideoIDLength = 11
	// CacheKeyLength is the length of every key issued by Derive.
	// It must never equal VideoIDLength.
	CacheKeyLength = 12
	// MaxTokenLength bounds keys accepted by ValidToken.
	MaxTokenLength = 64
)

var tokenRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Key is a parsed media key: either a VideoID or a CacheKey.
type Key interface {
	String() string
	isKey()
}

// VideoID is a canonical YouTube video identifier.
type VideoID string

func (v VideoID) String() string { return string(v) }
func (VideoID) isKey()           {}

// CacheKey addresses a URL stored in the key cache.
type CacheKey string

func (k CacheKey) String() string { return string(k) }
func (CacheKey) isKey()           {}

// Parse tags a raw key string. Strings of exactly VideoIDLength characters
// (not bytes) are video IDs; everything else is a cache key (which may simply
// not exist).
func Parse(s string) Key {
	if utf8.RuneCountInString(s) == VideoIDLength {
		return VideoID(s)
	}
	return CacheKey(s)
}

// Derive computes the cache key for a URL. Equal URLs (after Normalize)
// always produce the same key.
func Derive(rawURL string) CacheKey {
	sum := sha256.Sum256([]byte(Normalize(rawURL)))
	enc := base64.RawURLEncoding.EncodeToString(sum[:])
	return CacheKey(enc[:CacheKeyLength])
}

// Normalize trims surrounding whitespace and lower-cases the scheme and host.
// Inputs that do not parse as absolute URLs are only trimmed.
func Normalize(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return s
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// ValidToken reports whether s can be used as a single NATS subject token,
// a file name and an object key segment. Both video IDs and derived cache
// keys qualify.
func ValidToken(s string) bool {
	return len(s) <= MaxTokenLength && tokenRegex.MatchString(s)
}
