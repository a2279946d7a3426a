package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/ytkey/internal/api/handlers"
	"github.com/your-org/ytkey/internal/api/ws"
	"github.com/your-org/ytkey/internal/extract"
	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/models"
	"github.com/your-org/ytkey/internal/resolver"
	"github.com/your-org/ytkey/internal/toolchain"
	"github.com/your-org/ytkey/pkg/dto"
)

type fakeKeys struct {
	results map[string]*extract.Result
	err     error
}

func (f *fakeKeys) Submit(_ context.Context, input string) (keys.Key, error) {
	kind, ref := keys.ClassifyReference(input)
	switch kind {
	case keys.ReferenceVideo:
		return keys.VideoID(ref), nil
	case keys.ReferenceURL:
		return keys.Derive(ref), nil
	}
	return nil, resolver.ErrUnsupportedReference
}

func (f *fakeKeys) Resolve(_ context.Context, key keys.Key) (*extract.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results[key.String()], nil
}

type fakeThumbs struct{}

func (fakeThumbs) Resolve(_ context.Context, videoID string) string {
	return "https://i.ytimg.com/vi/" + videoID + "/hqdefault.jpg"
}

type fakeJobs struct {
	mu       sync.Mutex
	jobs     []models.DownloadJob
	controls []models.DownloadControl
}

func (f *fakeJobs) PublishJob(_ context.Context, job models.DownloadJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeJobs) PublishControl(ctl models.DownloadControl) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, ctl)
	return nil
}

func newTestRouter(t *testing.T, k *fakeKeys, jobs *fakeJobs, checks map[string]handlers.Check) http.Handler {
	t.Helper()
	cfg := RouterConfig{
		Keys:   k,
		Thumbs: fakeThumbs{},
		Binding: func() (toolchain.Binding, error) {
			return toolchain.Binding{Primary: "ffmpeg", PrimaryVersion: "ffmpeg version 6.1", Secondary: "ffprobe"}, nil
		},
		Checks: checks,
	}
	if jobs != nil {
		cfg.Jobs = jobs
	}
	return NewRouter(cfg)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitReference(t *testing.T) {
	h := newTestRouter(t, &fakeKeys{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/v1/references", `{"input":"https://youtu.be/dQw4w9WgXcQ"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var video dto.SubmitReferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &video))
	assert.Equal(t, "dQw4w9WgXcQ", video.Key)
	assert.Equal(t, "video", video.Kind)
	assert.Equal(t, "https://i.ytimg.com/vi/dQw4w9WgXcQ/hqdefault.jpg", video.Thumbnail)

	rec = do(t, h, http.MethodPost, "/v1/references", `{"input":"https://example.com/x"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var url dto.SubmitReferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &url))
	assert.Equal(t, "cache", url.Kind)
	assert.Len(t, url.Key, keys.CacheKeyLength)
	assert.Empty(t, url.Thumbnail)

	rec = do(t, h, http.MethodPost, "/v1/references", `{"input":"hello world"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/references", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveKey(t *testing.T) {
	k := &fakeKeys{results: map[string]*extract.Result{
		"dQw4w9WgXcQ": {
			Key:      "dQw4w9WgXcQ",
			ID:       "dQw4w9WgXcQ",
			Title:    "title",
			Duration: 212 * time.Second,
			Formats: []extract.Format{
				{ID: "140", Ext: "m4a", ACodec: "mp4a.40.2", VCodec: "none", FilesizeEx: 100},
			},
		},
	}}
	h := newTestRouter(t, k, nil, nil)

	rec := do(t, h, http.MethodGet, "/v1/keys/dQw4w9WgXcQ", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.ResolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "title", resp.Title)
	assert.InDelta(t, 212, resp.Duration, 0.001)
	require.Len(t, resp.Formats, 1)
	assert.True(t, resp.Formats[0].Audio)
	assert.False(t, resp.Formats[0].Video)
	assert.EqualValues(t, 100, resp.Formats[0].Filesize)

	rec = do(t, h, http.MethodGet, "/v1/keys/neverissued1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveKeyErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&extract.Error{Target: "x", Err: extract.ErrRateLimited}, http.StatusTooManyRequests},
		{&extract.Error{Target: "x", Err: extract.ErrUnsupportedURL}, http.StatusUnprocessableEntity},
		{&extract.Error{Target: "x", Err: extract.ErrTimeout}, http.StatusGatewayTimeout},
		{errors.New("exit status 1"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		h := newTestRouter(t, &fakeKeys{err: tt.err}, nil, nil)
		rec := do(t, h, http.MethodGet, "/v1/keys/dQw4w9WgXcQ", "")
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
	}
}

func TestThumbnailRoute(t *testing.T) {
	h := newTestRouter(t, &fakeKeys{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/v1/thumbnails/dQw4w9WgXcQ", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.ThumbnailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://i.ytimg.com/vi/dQw4w9WgXcQ/hqdefault.jpg", resp.URL)

	rec = do(t, h, http.MethodGet, "/v1/thumbnails/short", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToolchainRoute(t *testing.T) {
	h := newTestRouter(t, &fakeKeys{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/v1/toolchain", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var b toolchain.Binding
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, "ffmpeg", b.Primary)
	assert.False(t, b.SecondaryAvailable)
}

func TestDownloadRoutes(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestRouter(t, &fakeKeys{}, jobs, nil)

	rec := do(t, h, http.MethodPost, "/v1/downloads", `{"key":"dQw4w9WgXcQ","kind":"audio"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp dto.DownloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.Status)
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, resp.ID, jobs.jobs[0].ID)
	assert.Equal(t, models.DownloadKindAudio, jobs.jobs[0].Kind)

	rec = do(t, h, http.MethodPost, "/v1/downloads", `{"key":"dQw4w9WgXcQ","kind":"gif"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/downloads/"+resp.ID.String(), "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, jobs.controls, 1)
	assert.Equal(t, models.ControlCancel, jobs.controls[0].Action)
	assert.Equal(t, resp.ID, jobs.controls[0].JobID)

	rec = do(t, h, http.MethodDelete, "/v1/downloads/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadRejectsKeysUnfitForSubjects(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestRouter(t, &fakeKeys{}, jobs, nil)

	for _, key := range []string{"x y", "*", ">", "a.b.c", "../../etc", strings.Repeat("k", 65)} {
		body, err := json.Marshal(dto.CreateDownloadRequest{Key: key})
		require.NoError(t, err)
		rec := do(t, h, http.MethodPost, "/v1/downloads", string(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, key)
	}
	assert.Empty(t, jobs.jobs)
}

func TestDownloadRoutesAbsentWithoutQueue(t *testing.T) {
	h := newTestRouter(t, &fakeKeys{}, nil, nil)
	rec := do(t, h, http.MethodPost, "/v1/downloads", `{"key":"dQw4w9WgXcQ"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadyz(t *testing.T) {
	h := newTestRouter(t, &fakeKeys{}, nil, map[string]handlers.Check{
		"cache": func(context.Context) error { return nil },
		"minio": nil,
	})
	rec := do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "minio")

	h = newTestRouter(t, &fakeKeys{}, nil, map[string]handlers.Check{
		"cache": func(context.Context) error { return errors.New("key cache is not open") },
	})
	rec = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "key cache is not open")
}

func TestHubDeliversFilteredEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(RouterConfig{Keys: &fakeKeys{}, Thumbs: fakeThumbs{}, Hub: hub}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?key=dQw4w9WgXcQ"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	jobID := uuid.New()
	hub.BroadcastDownloadEvent(models.DownloadEvent{JobID: uuid.New(), Key: "other-key-01", Status: models.DownloadStatusRunning})
	hub.BroadcastDownloadEvent(models.DownloadEvent{JobID: jobID, Key: "dQw4w9WgXcQ", Status: models.DownloadStatusCompleted})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got dto.WSEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, ws.EventTypeDownloadStatus, got.Type)
	assert.Equal(t, jobID, got.JobID)
	assert.Equal(t, "completed", got.Data.Status)
}
