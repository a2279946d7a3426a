package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MediaInfo is what ffprobe reports about a finished file.
type MediaInfo struct {
	Duration   time.Duration
	Size       int64
	FormatName string
}

// Inspector reads container metadata from a local file.
type Inspector interface {
	Inspect(ctx context.Context, path string) (MediaInfo, error)
}

// FFprobe inspects files with the probed secondary tool. Only construct it
// when the toolchain binding reports the tool available.
type FFprobe struct {
	Path string
}

type ffprobeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

func (p *FFprobe) Inspect(ctx context.Context, path string) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.Path,
		"-v", "error",
		"-show_entries", "format=duration,size,format_name",
		"-of", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (MediaInfo, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return MediaInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := MediaInfo{FormatName: out.Format.FormatName}
	if out.Format.Duration != "" {
		secs, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return MediaInfo{}, fmt.Errorf("parse duration %q: %w", out.Format.Duration, err)
		}
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	if out.Format.Size != "" {
		size, err := strconv.ParseInt(out.Format.Size, 10, 64)
		if err != nil {
			return MediaInfo{}, fmt.Errorf("parse size %q: %w", out.Format.Size, err)
		}
		info.Size = size
	}
	return info, nil
}
