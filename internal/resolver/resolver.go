// Package resolver routes a media key to the right extraction path.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/your-org/ytkey/internal/extract"
	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/observability"
)

// ErrUnsupportedReference is returned by Submit for input that is neither a
// YouTube reference nor an http(s) URL.
var ErrUnsupportedReference = errors.New("unsupported reference")

// Extractor turns references into format descriptors.
type Extractor interface {
	// ExtractVideo returns (nil, nil) when the video does not exist.
	ExtractVideo(ctx context.Context, id keys.VideoID) (*extract.Result, error)
	// ExtractURL resolves url; the Resolver tags the result with key.
	ExtractURL(ctx context.Context, key keys.CacheKey, url string) (*extract.Result, error)
}

// Cache is the key to URL store.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, url string) (string, error)
}

// Resolver dispatches video IDs straight to the extractor and recovers
// cache keys through the cache first. Concurrent resolutions of the same key
// share one extraction; the returned Result is shared and must not be mutated.
type Resolver struct {
	extractor Extractor
	cache     Cache
	group     singleflight.Group
}

func New(extractor Extractor, cache Cache) *Resolver {
	return &Resolver{extractor: extractor, cache: cache}
}

// Resolve returns the extraction result for key, or nil when the key is
// unknown. Extractor errors are returned as is.
func (r *Resolver) Resolve(ctx context.Context, key keys.Key) (*extract.Result, error) {
	kind := kindOf(key)
	start := time.Now()

	// The shared call outlives any single caller; the extractor's own timeout
	// still bounds it.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(kind+":"+key.String(), func() (any, error) {
		return r.resolve(shared, key)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	observability.ResolutionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if res.Err != nil {
		observability.Resolutions.WithLabelValues(kind, "error").Inc()
		return nil, res.Err
	}
	result, _ := res.Val.(*extract.Result)
	if result == nil {
		observability.Resolutions.WithLabelValues(kind, "miss").Inc()
		return nil, nil
	}
	observability.Resolutions.WithLabelValues(kind, "resolved").Inc()
	return result, nil
}

// ResolveString parses raw and resolves it.
func (r *Resolver) ResolveString(ctx context.Context, raw string) (*extract.Result, error) {
	return r.Resolve(ctx, keys.Parse(raw))
}

func (r *Resolver) resolve(ctx context.Context, key keys.Key) (*extract.Result, error) {
	switch k := key.(type) {
	case keys.VideoID:
		return r.extractor.ExtractVideo(ctx, k)
	case keys.CacheKey:
		url, ok, err := r.cache.Get(ctx, k.String())
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", k, err)
		}
		if !ok {
			slog.Debug("cache key not found", "key", k)
			return nil, nil
		}
		res, err := r.extractor.ExtractURL(ctx, k, url)
		if err != nil || res == nil {
			return res, err
		}
		tagged := *res
		tagged.Key = k.String()
		return &tagged, nil
	default:
		return nil, fmt.Errorf("unknown key type %T", key)
	}
}

// Submit turns user input into a key. YouTube links and bare video IDs become
// a VideoID without touching the cache; other http(s) URLs are stored and
// their CacheKey returned.
func (r *Resolver) Submit(ctx context.Context, input string) (keys.Key, error) {
	kind, ref := keys.ClassifyReference(input)
	switch kind {
	case keys.ReferenceVideo:
		return keys.VideoID(ref), nil
	case keys.ReferenceURL:
		key, err := r.cache.Put(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("submit %q: %w", ref, err)
		}
		return keys.CacheKey(key), nil
	default:
		return nil, fmt.Errorf("%q: %w", input, ErrUnsupportedReference)
	}
}

func kindOf(key keys.Key) string {
	if _, ok := key.(keys.VideoID); ok {
		return "video"
	}
	return "cache"
}
