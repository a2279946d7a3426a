// Package toolchain detects the external media tools the pipeline depends on.
//
// ffmpeg is mandatory: a missing or broken ffmpeg fails startup. ffprobe is
// optional: its absence is recorded on the Binding so callers can skip the
// features that need it.
package toolchain

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/your-org/ytkey/internal/observability"
)

// DefaultPrimary means "resolve ffmpeg from PATH".
const DefaultPrimary = "ffmpeg"

const defaultSecondary = "ffprobe"

var (
	// ErrToolNotFound is returned when a configured tool location is not a file.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolNotInvocable is returned when the primary tool fails its version query.
	ErrToolNotInvocable = errors.New("tool not invocable")
)

// Binding is the result of a probe. It is immutable once returned.
type Binding struct {
	Primary        string `json:"primary"`
	PrimaryVersion string `json:"primary_version"`
	// Secondary is empty when no candidate was found.
	Secondary          string `json:"secondary"`
	SecondaryVersion   string `json:"secondary_version,omitempty"`
	SecondaryAvailable bool   `json:"secondary_available"`
}

// CustomLocation reports whether the primary tool was configured by path.
func (b Binding) CustomLocation() bool {
	return b.Primary != DefaultPrimary
}

// Prober runs version queries against candidate binaries.
type Prober struct {
	// Timeout bounds each version query. Zero means 10 seconds.
	Timeout time.Duration

	goos string
}

func NewProber() *Prober {
	return &Prober{Timeout: 10 * time.Second}
}

// CheckLocation verifies a custom location points at an existing file.
// The default location is always accepted.
func CheckLocation(location string) error {
	if location == "" || location == DefaultPrimary {
		return nil
	}
	info, err := os.Stat(location)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%s: %w", location, ErrToolNotFound)
	}
	return nil
}

// Probe resolves and verifies the primary tool and, best effort, its
// co-located secondary tool.
func (p *Prober) Probe(ctx context.Context, location string) (Binding, error) {
	if location == "" {
		location = DefaultPrimary
	}
	if err := CheckLocation(location); err != nil {
		return Binding{}, err
	}
	// exec looks bare names up on PATH, so pin custom locations to the file.
	if location != DefaultPrimary {
		abs, err := filepath.Abs(location)
		if err != nil {
			return Binding{}, fmt.Errorf("%s: %w", location, err)
		}
		location = abs
	}

	b := Binding{Primary: location}

	version, err := p.version(ctx, location)
	if err != nil {
		return Binding{}, fmt.Errorf("%s: %w: %v", location, ErrToolNotInvocable, err)
	}
	b.PrimaryVersion = version

	b.Secondary = p.secondaryCandidate(location)
	if b.Secondary != "" {
		if v, err := p.version(ctx, b.Secondary); err == nil {
			b.SecondaryVersion = v
			b.SecondaryAvailable = true
		} else {
			slog.Warn("secondary tool unavailable, dependent features disabled",
				"tool", b.Secondary, "error", err)
		}
	}

	if b.SecondaryAvailable {
		observability.SecondaryToolAvailable.Set(1)
	} else {
		observability.SecondaryToolAvailable.Set(0)
	}

	slog.Info("toolchain probed",
		"primary", b.Primary,
		"primary_version", b.PrimaryVersion,
		"secondary", b.Secondary,
		"secondary_available", b.SecondaryAvailable,
	)
	return b, nil
}

// secondaryCandidate returns ffprobe next to a custom ffmpeg, or the bare
// name when ffmpeg comes from PATH. An empty result means no candidate.
func (p *Prober) secondaryCandidate(primary string) string {
	if primary == DefaultPrimary {
		return defaultSecondary
	}

	name := defaultSecondary
	if p.os() == "windows" {
		name += ".exe"
	}
	candidate := filepath.Join(filepath.Dir(primary), name)
	if info, err := os.Stat(candidate); err != nil || info.IsDir() {
		return ""
	}
	return candidate
}

// version runs "<tool> -version" and returns the first line of its output.
func (p *Prober) version(ctx context.Context, tool string) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tool, "-version")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}

	line, _ := bufio.NewReader(&stdout).ReadString('\n')
	return strings.TrimSpace(line), nil
}

func (p *Prober) os() string {
	if p.goos != "" {
		return p.goos
	}
	return runtime.GOOS
}
