package download

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/your-org/ytkey/internal/config"
	"github.com/your-org/ytkey/internal/models"
	"github.com/your-org/ytkey/internal/toolchain"
)

// Request describes one file to fetch.
type Request struct {
	Job models.DownloadJob
	// Source is the page or media URL handed to the downloader.
	Source string
	// Dir receives the downloaded file.
	Dir string
}

// Fetcher downloads media and returns the path of the finished file.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (string, error)
}

// YtdlpFetcher downloads with yt-dlp, optionally handing the transfer to an
// external downloader such as aria2c.
type YtdlpFetcher struct {
	Path           string
	FFmpegLocation string
	External       config.ExternalDownloaderConfig
	// Format is the default format selector for video jobs.
	Format string
	Silent bool
}

// Args builds the yt-dlp command line for req.
func (f *YtdlpFetcher) Args(req Request) []string {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"-o", filepath.Join(req.Dir, req.Job.Key+".%(ext)s"),
		"--print", "after_move:filepath",
	}
	if f.Silent {
		args = append(args, "--no-warnings")
	}
	if f.FFmpegLocation != "" && f.FFmpegLocation != toolchain.DefaultPrimary {
		args = append(args, "--ffmpeg-location", f.FFmpegLocation)
	}

	switch {
	case req.Job.FormatID != "":
		args = append(args, "-f", req.Job.FormatID)
	case req.Job.Kind == models.DownloadKindAudio:
		args = append(args, "-f", "bestaudio/best", "-x", "--audio-format", "mp3")
	case f.Format != "":
		args = append(args, "-f", f.Format)
	}

	if ext := f.External; ext.Name != "" {
		downloader := ext.Name
		if ext.Path != "" {
			downloader = ext.Path
		}
		args = append(args, "--downloader", downloader)
		if len(ext.Args) > 0 {
			args = append(args, "--downloader-args", ext.Name+":"+strings.Join(ext.Args, " "))
		}
	}

	return append(args, req.Source)
}

func (f *YtdlpFetcher) Fetch(ctx context.Context, req Request) (string, error) {
	path := f.Path
	if path == "" {
		path = "yt-dlp"
	}

	cmd := exec.CommandContext(ctx, path, f.Args(req)...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("yt-dlp stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start yt-dlp: %w", err)
	}

	// The pipe must be drained before Wait.
	lastErrLine := logLines(stderr, f.Silent, "job_id", req.Job.ID.String())

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if lastErrLine != "" {
			return "", fmt.Errorf("yt-dlp failed: %w: %s", err, lastErrLine)
		}
		return "", fmt.Errorf("yt-dlp failed: %w", err)
	}

	file := lastLine(stdout.String())
	if file == "" {
		return "", errors.New("yt-dlp did not report an output file")
	}
	return file, nil
}

// logLines forwards a tool's diagnostics to slog and returns the last line.
func logLines(r io.Reader, silent bool, attrs ...any) string {
	var last string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		last = line
		if !silent {
			slog.Debug("yt-dlp", append(attrs, "output", line)...)
		}
	}
	return last
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
