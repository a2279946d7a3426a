package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/ytkey/internal/extract"
	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/storage"
	"github.com/your-org/ytkey/internal/thumbnail"
	"github.com/your-org/ytkey/internal/toolchain"
)

func writeFFmpeg(t *testing.T, exitCode string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ffmpeg")
	script := "#!/bin/sh\necho \"ffmpeg version test\"\nexit " + exitCode + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// countingStore wraps a real key cache and counts lifecycle calls.
type countingStore struct {
	*storage.KeyCache
	opens  atomic.Int32
	closes atomic.Int32
}

func (s *countingStore) Open(ctx context.Context) error {
	s.opens.Add(1)
	return s.KeyCache.Open(ctx)
}

func (s *countingStore) Close() error {
	s.closes.Add(1)
	return s.KeyCache.Close()
}

type recordingExtractor struct {
	videos []keys.VideoID
	urls   []string
}

func (r *recordingExtractor) ExtractVideo(_ context.Context, id keys.VideoID) (*extract.Result, error) {
	r.videos = append(r.videos, id)
	return &extract.Result{Key: id.String(), ID: id.String()}, nil
}

func (r *recordingExtractor) ExtractURL(_ context.Context, key keys.CacheKey, url string) (*extract.Result, error) {
	r.urls = append(r.urls, url)
	return &extract.Result{Key: key.String(), WebpageURL: url}, nil
}

func testOptions(t *testing.T) Options {
	t.Helper()
	base := t.TempDir()
	return Options{
		LogGroupID:       "-1001234567890",
		CachePath:        filepath.Join(base, "cache"),
		DownloadPath:     filepath.Join(base, "downloads"),
		DefaultThumbnail: "https://i.imgur.com/4LwPLai.png",
		FFmpegLocation:   writeFFmpeg(t, "0"),
		Extract:          &recordingExtractor{},
	}
}

func TestNewRejectsCachePathFile(t *testing.T) {
	opts := testOptions(t)
	file := filepath.Join(t.TempDir(), "cache.db")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	opts.CachePath = file

	store := &countingStore{KeyCache: storage.NewKeyCache(file)}
	opts.Store = store

	_, err := New(opts)
	require.ErrorIs(t, err, ErrNotADirectory)

	var pathErr *PathTypeError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, file, pathErr.Path)
	assert.Equal(t, "cache_path", pathErr.Option)
	assert.Zero(t, store.opens.Load())
}

func TestNewRequiresLogGroup(t *testing.T) {
	opts := testOptions(t)
	opts.LogGroupID = "  "
	_, err := New(opts)
	require.ErrorIs(t, err, ErrMissingLogGroup)
}

func TestNewCreatesDirectories(t *testing.T) {
	opts := testOptions(t)
	_, err := New(opts)
	require.NoError(t, err)

	for _, dir := range []string{opts.CachePath, opts.DownloadPath} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestThumbnailFallbackWithoutConfiguredDefault(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	opts := testOptions(t)
	opts.DefaultThumbnail = ""
	opts.Thumbnail = thumbnail.Options{BaseURL: srv.URL}

	inst, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, thumbnail.DefaultURL, inst.Options().DefaultThumbnail)
	assert.Equal(t, thumbnail.DefaultURL, inst.Thumbnails().Resolve(context.Background(), "dQw4w9WgXcQ"))
}

func TestNewRejectsMissingFFmpegLocation(t *testing.T) {
	opts := testOptions(t)
	opts.FFmpegLocation = filepath.Join(t.TempDir(), "bin", "ffmpeg")
	_, err := New(opts)
	require.ErrorIs(t, err, toolchain.ErrToolNotFound)
}

func TestStopBeforeStartAndTwice(t *testing.T) {
	inst, err := New(testOptions(t))
	require.NoError(t, err)

	require.NoError(t, inst.Stop())
	require.NoError(t, inst.Stop())
	assert.False(t, inst.Started())
}

func TestStartIsIdempotent(t *testing.T) {
	opts := testOptions(t)
	store := &countingStore{KeyCache: storage.NewKeyCache(opts.CachePath)}
	opts.Store = store

	inst, err := New(opts)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, inst.Start(ctx))
	require.NoError(t, inst.Start(ctx))
	assert.EqualValues(t, 1, store.opens.Load())

	b, err := inst.Binding()
	require.NoError(t, err)
	assert.Equal(t, opts.FFmpegLocation, b.Primary)
	assert.Equal(t, "ffmpeg version test", b.PrimaryVersion)
	assert.False(t, b.SecondaryAvailable)

	_, err = os.Stat(filepath.Join(opts.CachePath, storage.CacheFileName))
	require.NoError(t, err)

	require.NoError(t, inst.Stop())
	require.NoError(t, inst.Stop())
	_, err = inst.Binding()
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestStartFailsWhenFFmpegBroken(t *testing.T) {
	opts := testOptions(t)
	opts.FFmpegLocation = writeFFmpeg(t, "1")
	store := &countingStore{KeyCache: storage.NewKeyCache(opts.CachePath)}
	opts.Store = store

	inst, err := New(opts)
	require.NoError(t, err)

	err = inst.Start(context.Background())
	require.ErrorIs(t, err, toolchain.ErrToolNotInvocable)
	assert.Zero(t, store.opens.Load())
	assert.False(t, inst.Started())
	require.NoError(t, inst.Stop())
}

func TestExternalHTTPClientIsNotOwned(t *testing.T) {
	opts := testOptions(t)
	client := &http.Client{}
	opts.HTTPClient = client

	inst, err := New(opts)
	require.NoError(t, err)
	assert.Same(t, client, inst.Resources().HTTP)
	assert.False(t, inst.ownsHTTP)

	inst, err = New(testOptions(t))
	require.NoError(t, err)
	assert.NotNil(t, inst.Resources().HTTP)
	assert.True(t, inst.ownsHTTP)
}

func TestRunStopsOnError(t *testing.T) {
	opts := testOptions(t)
	store := &countingStore{KeyCache: storage.NewKeyCache(opts.CachePath)}
	opts.Store = store
	boom := errors.New("boom")

	err := Run(context.Background(), opts, func(ctx context.Context, inst *Instance) error {
		assert.True(t, inst.Started())
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, store.closes.Load())
}

func TestRunStopsOnPanic(t *testing.T) {
	opts := testOptions(t)
	store := &countingStore{KeyCache: storage.NewKeyCache(opts.CachePath)}
	opts.Store = store

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = Run(context.Background(), opts, func(context.Context, *Instance) error {
			panic("kaboom")
		})
	})
	assert.EqualValues(t, 1, store.closes.Load())

	_, _, err := store.Get(context.Background(), "AbCdEfGhIjKl")
	require.ErrorIs(t, err, storage.ErrCacheClosed)
}

func TestRunStopsWhenStartFails(t *testing.T) {
	opts := testOptions(t)
	opts.FFmpegLocation = writeFFmpeg(t, "3")
	store := &countingStore{KeyCache: storage.NewKeyCache(opts.CachePath)}
	opts.Store = store

	called := false
	err := Run(context.Background(), opts, func(context.Context, *Instance) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, toolchain.ErrToolNotInvocable)
	assert.False(t, called)
	assert.EqualValues(t, 1, store.closes.Load())
}

func TestInit(t *testing.T) {
	inst, err := Init(context.Background(), testOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Stop() })
	assert.True(t, inst.Started())
}

func TestEndToEndScenario(t *testing.T) {
	opts := testOptions(t)
	ext := &recordingExtractor{}
	opts.Extract = ext

	err := Run(context.Background(), opts, func(ctx context.Context, inst *Instance) error {
		cache := inst.Resources().Cache

		k1, err := cache.Put(ctx, "https://example.com/x")
		require.NoError(t, err)
		assert.NotEqual(t, keys.VideoIDLength, len(k1))

		url, ok, err := cache.Get(ctx, k1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "https://example.com/x", url)

		res, err := inst.Resolver().ResolveString(ctx, k1)
		require.NoError(t, err)
		assert.Equal(t, k1, res.Key)
		assert.Equal(t, []string{"https://example.com/x"}, ext.urls)

		res, err = inst.Resolver().ResolveString(ctx, "dQw4w9WgXcQ")
		require.NoError(t, err)
		assert.Equal(t, "dQw4w9WgXcQ", res.Key)
		assert.Equal(t, []keys.VideoID{"dQw4w9WgXcQ"}, ext.videos)
		return nil
	})
	require.NoError(t, err)
}
