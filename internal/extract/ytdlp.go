// Package extract turns a video ID or an arbitrary URL into format
// descriptors by asking yt-dlp for its JSON info dump.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/your-org/ytkey/internal/keys"
)

const (
	defaultYtdlpPath    = "yt-dlp"
	defaultYtdlpTimeout = 2 * time.Minute

	watchURL = "https://www.youtube.com/watch?v="
)

var (
	ErrUnavailable       = errors.New("media unavailable")
	ErrUnsupportedURL    = errors.New("unsupported url")
	ErrRateLimited       = errors.New("rate limited")
	ErrTimeout           = errors.New("extraction timed out")
	ErrYtdlpNotInstalled = errors.New("yt-dlp not installed")
)

// Error wraps a failed extraction with its target.
type Error struct {
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Format is one downloadable rendition.
type Format struct {
	ID         string  `json:"format_id"`
	Ext        string  `json:"ext"`
	Note       string  `json:"format_note,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	VCodec     string  `json:"vcodec,omitempty"`
	ACodec     string  `json:"acodec,omitempty"`
	AudioBR    float64 `json:"abr,omitempty"`
	Filesize   int64   `json:"filesize,omitempty"`
	FilesizeEx int64   `json:"filesize_approx,omitempty"`
}

// HasVideo reports whether the format carries a video stream.
func (f Format) HasVideo() bool {
	return f.VCodec != "" && f.VCodec != "none"
}

// HasAudio reports whether the format carries an audio stream.
func (f Format) HasAudio() bool {
	return f.ACodec != "" && f.ACodec != "none"
}

// Result is what a key resolves to.
type Result struct {
	// Key is the key the caller resolved, used to correlate later callbacks.
	Key        string        `json:"key"`
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Uploader   string        `json:"uploader,omitempty"`
	Duration   time.Duration `json:"duration"`
	WebpageURL string        `json:"webpage_url"`
	Thumbnail  string        `json:"thumbnail,omitempty"`
	Extractor  string        `json:"extractor"`
	Formats    []Format      `json:"formats"`
}

// Ytdlp runs yt-dlp as a subprocess.
type Ytdlp struct {
	// Path is the yt-dlp executable. Defaults to "yt-dlp".
	Path string
	// Timeout bounds a single extraction. Defaults to 2 minutes.
	Timeout time.Duration
	// Silent passes --quiet and drops yt-dlp's diagnostics.
	Silent bool
	// ExtraArgs are appended before the target URL.
	ExtraArgs []string
}

func NewYtdlp(path string, timeout time.Duration, silent bool) *Ytdlp {
	return &Ytdlp{Path: path, Timeout: timeout, Silent: silent}
}

// ExtractVideo resolves a YouTube video ID. A video that does not exist
// yields (nil, nil).
func (y *Ytdlp) ExtractVideo(ctx context.Context, id keys.VideoID) (*Result, error) {
	res, err := y.run(ctx, watchURL+id.String())
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, nil
		}
		return nil, err
	}
	res.Key = id.String()
	return res, nil
}

// ExtractURL resolves an arbitrary URL previously stored under key.
func (y *Ytdlp) ExtractURL(ctx context.Context, key keys.CacheKey, url string) (*Result, error) {
	res, err := y.run(ctx, url)
	if err != nil {
		return nil, err
	}
	res.Key = key.String()
	return res, nil
}

func (y *Ytdlp) run(ctx context.Context, target string) (*Result, error) {
	timeout := y.Timeout
	if timeout <= 0 {
		timeout = defaultYtdlpTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-J", "--no-playlist", "--no-warnings"}
	if y.Silent {
		args = append(args, "--quiet")
	}
	args = append(args, y.ExtraArgs...)
	args = append(args, target)

	cmd := exec.CommandContext(cmdCtx, y.path(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Target: target, Err: ErrYtdlpNotInstalled}
		}
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Target: target, Err: ErrTimeout}
		}
		if ctx.Err() != nil {
			return nil, &Error{Target: target, Err: ctx.Err()}
		}
		return nil, &Error{Target: target, Err: classify(stderr.String(), err)}
	}

	if !y.Silent && stderr.Len() > 0 {
		slog.Debug("yt-dlp diagnostics", "target", target, "output", strings.TrimSpace(stderr.String()))
	}

	res, err := parseInfo(stdout.Bytes())
	if err != nil {
		return nil, &Error{Target: target, Err: err}
	}
	return res, nil
}

func (y *Ytdlp) path() string {
	if y.Path != "" {
		return y.Path
	}
	return defaultYtdlpPath
}

// classify maps yt-dlp's stderr onto sentinel errors.
func classify(stderr string, runErr error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "video unavailable"),
		strings.Contains(msg, "private video"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "has been removed"):
		return ErrUnavailable
	case strings.Contains(msg, "unsupported url"):
		return ErrUnsupportedURL
	case strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return ErrRateLimited
	}
	return fmt.Errorf("yt-dlp failed: %w: %s", runErr, strings.TrimSpace(stderr))
}

type ytdlpInfo struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Uploader   string   `json:"uploader"`
	Duration   float64  `json:"duration"`
	WebpageURL string   `json:"webpage_url"`
	Thumbnail  string   `json:"thumbnail"`
	Extractor  string   `json:"extractor_key"`
	URL        string   `json:"url"`
	Ext        string   `json:"ext"`
	Formats    []Format `json:"formats"`
}

func parseInfo(data []byte) (*Result, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse yt-dlp output: %w", err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("parse yt-dlp output: missing id")
	}

	formats := info.Formats
	// Direct links (plain files) come back without a format list.
	if len(formats) == 0 && info.URL != "" {
		formats = []Format{{ID: "0", Ext: info.Ext}}
	}

	return &Result{
		ID:         info.ID,
		Title:      info.Title,
		Uploader:   info.Uploader,
		Duration:   time.Duration(info.Duration * float64(time.Second)),
		WebpageURL: info.WebpageURL,
		Thumbnail:  info.Thumbnail,
		Extractor:  info.Extractor,
		Formats:    formats,
	}, nil
}
