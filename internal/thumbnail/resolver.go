// Package thumbnail picks the best available preview image for a video.
package thumbnail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/ytkey/internal/observability"
)

// Quality is a thumbnail size variant published by the image host.
type Quality string

const (
	QualityMaxRes  Quality = "maxresdefault"
	QualityHigh    Quality = "hqdefault"
	QualityStd     Quality = "sddefault"
	QualityMedium  Quality = "mqdefault"
	QualityDefault Quality = "default"
)

// Qualities lists every variant, highest quality first.
var Qualities = []Quality{QualityMaxRes, QualityHigh, QualityStd, QualityMedium, QualityDefault}

const (
	DefaultBaseURL = "https://i.ytimg.com"
	// DefaultURL is the placeholder image used when no quality exists and
	// Options.DefaultURL is empty.
	DefaultURL = "https://i.imgur.com/4LwPLai.png"
)

type Options struct {
	// BaseURL is the scheme and host of the image host.
	BaseURL string
	// DefaultURL is returned when no quality exists. Empty means the
	// package DefaultURL.
	DefaultURL string
	// Parallel checks all qualities at once instead of one after another.
	Parallel bool
	// Timeout bounds each existence check.
	Timeout time.Duration
	// MemoTTL enables remembering found thumbnails; zero (the default)
	// checks the image host on every request.
	MemoTTL  time.Duration
	MemoSize int
}

// Resolver walks the quality chain for a video ID. The HTTP client is shared
// and never closed here.
type Resolver struct {
	client     *http.Client
	baseURL    string
	defaultURL string
	parallel   bool
	timeout    time.Duration
	memo       *expirable.LRU[string, string]
}

func NewResolver(client *http.Client, opts Options) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	defaultURL := opts.DefaultURL
	if defaultURL == "" {
		defaultURL = DefaultURL
	}

	r := &Resolver{
		client:     client,
		baseURL:    baseURL,
		defaultURL: defaultURL,
		parallel:   opts.Parallel,
		timeout:    opts.Timeout,
	}
	if opts.MemoTTL > 0 {
		r.memo = expirable.NewLRU[string, string](opts.MemoSize, nil, opts.MemoTTL)
	}
	return r
}

// Candidate builds the image URL for one quality.
func (r *Resolver) Candidate(videoID string, q Quality) string {
	return fmt.Sprintf("%s/vi/%s/%s.jpg", r.baseURL, videoID, q)
}

// Resolve returns the highest quality thumbnail that exists, or the default
// URL when none does. It never fails.
func (r *Resolver) Resolve(ctx context.Context, videoID string) string {
	if r.memo != nil {
		if link, ok := r.memo.Get(videoID); ok {
			return link
		}
	}

	var link string
	if r.parallel {
		link = r.resolveParallel(ctx, videoID)
	} else {
		link = r.resolveSequential(ctx, videoID)
	}

	if link == "" {
		observability.ThumbnailFallbacks.Inc()
		slog.Debug("no thumbnail found, using default", "video_id", videoID)
		return r.defaultURL
	}
	if r.memo != nil {
		r.memo.Add(videoID, link)
	}
	return link
}

func (r *Resolver) resolveSequential(ctx context.Context, videoID string) string {
	for _, q := range Qualities {
		link := r.Candidate(videoID, q)
		if r.exists(ctx, link, q) {
			return link
		}
	}
	return ""
}

func (r *Resolver) resolveParallel(ctx context.Context, videoID string) string {
	found := make([]bool, len(Qualities))

	var g errgroup.Group
	for i, q := range Qualities {
		i, q := i, q
		g.Go(func() error {
			found[i] = r.exists(ctx, r.Candidate(videoID, q), q)
			return nil
		})
	}
	_ = g.Wait()

	for i, q := range Qualities {
		if found[i] {
			return r.Candidate(videoID, q)
		}
	}
	return ""
}

// exists reports whether link answers with a 2xx status. Every other outcome,
// transport errors included, counts as missing.
func (r *Resolver) exists(ctx context.Context, link string, q Quality) bool {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		observability.ThumbnailProbes.WithLabelValues(string(q), "error").Inc()
		return false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		observability.ThumbnailProbes.WithLabelValues(string(q), "error").Inc()
		slog.Debug("thumbnail probe failed", "url", link, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		observability.ThumbnailProbes.WithLabelValues(string(q), "found").Inc()
		return true
	}
	observability.ThumbnailProbes.WithLabelValues(string(q), "missing").Inc()
	return false
}
