// Package lifecycle owns the resources shared by one resolution instance:
// the HTTP client, the key cache storage and the probed toolchain.
//
// An Instance is validated by New, acquires its resources in Start and
// releases them in Stop. Stop closes the cache storage first and the HTTP
// session last, the reverse of acquisition. Run wraps the pair so Stop runs
// on every exit path.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/your-org/ytkey/internal/config"
	"github.com/your-org/ytkey/internal/extract"
	"github.com/your-org/ytkey/internal/models"
	"github.com/your-org/ytkey/internal/resolver"
	"github.com/your-org/ytkey/internal/storage"
	"github.com/your-org/ytkey/internal/thumbnail"
	"github.com/your-org/ytkey/internal/toolchain"
)

var (
	ErrMissingLogGroup = errors.New("log group id is required")
	ErrNotADirectory   = errors.New("not a directory")
	ErrNotStarted      = errors.New("instance not started")
)

// PathTypeError reports a configured directory that exists as something else.
type PathTypeError struct {
	Option string
	Path   string
}

func (e *PathTypeError) Error() string {
	return fmt.Sprintf("%s %q exists and is not a directory", e.Option, e.Path)
}

func (e *PathTypeError) Unwrap() error {
	return ErrNotADirectory
}

// KeyStore is the persistent key cache as the instance sees it.
type KeyStore interface {
	resolver.Cache
	Open(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	Entry(ctx context.Context, key string) (*models.CacheEntry, error)
	Count(ctx context.Context) (int, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Resources are the handles shared by every component of an instance.
// Components receive them by reference and never close them.
type Resources struct {
	HTTP  *http.Client
	Cache KeyStore
}

// Options are the constructor-time settings of an instance.
type Options struct {
	// LogGroupID names the destination finished media is delivered to.
	LogGroupID string
	// HTTPClient is used as is and never closed when supplied.
	HTTPClient       *http.Client
	Silent           bool
	DownloadPath     string
	CachePath        string
	DeleteMedia      bool
	DefaultThumbnail string
	// FFmpegLocation is empty or "ffmpeg" for PATH lookup, otherwise a file.
	FFmpegLocation     string
	ExternalDownloader config.ExternalDownloaderConfig

	Thumbnail thumbnail.Options
	Extractor config.ExtractorConfig

	CacheBackend string
	Database     config.DatabaseConfig

	// Collaborator overrides, mainly for tests.
	Store        KeyStore
	Extract      resolver.Extractor
	ProbeTimeout time.Duration
}

// OptionsFromConfig maps the loaded configuration onto instance options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LogGroupID:         cfg.Instance.LogGroupID,
		Silent:             cfg.Instance.Silent,
		DownloadPath:       cfg.Instance.DownloadPath,
		CachePath:          cfg.Instance.CachePath,
		DeleteMedia:        cfg.Instance.DeleteMedia,
		DefaultThumbnail:   cfg.Instance.DefaultThumbnail,
		FFmpegLocation:     cfg.Instance.FFmpegLocation,
		ExternalDownloader: cfg.Downloader.External,
		Thumbnail: thumbnail.Options{
			BaseURL:  "https://" + cfg.Thumbnail.Host,
			Parallel: cfg.Thumbnail.Parallel,
			Timeout:  cfg.Thumbnail.Timeout,
			MemoTTL:  cfg.Thumbnail.MemoTTL,
			MemoSize: cfg.Thumbnail.MemoSize,
		},
		Extractor:    cfg.Extractor,
		CacheBackend: cfg.Cache.Backend,
		Database:     cfg.Database,
	}
}

// Instance is one running resolution context.
type Instance struct {
	opts     Options
	prober   *toolchain.Prober
	ownsHTTP bool

	res        Resources
	resolver   *resolver.Resolver
	thumbnails *thumbnail.Resolver

	mu      sync.Mutex
	started bool
	binding toolchain.Binding
}

// New validates opts and prepares the instance without touching the network
// or the cache. Missing directories are created.
func New(opts Options) (*Instance, error) {
	if strings.TrimSpace(opts.LogGroupID) == "" {
		return nil, ErrMissingLogGroup
	}
	if opts.CachePath == "" {
		opts.CachePath = "."
	}
	if err := ensureDir("cache_path", opts.CachePath); err != nil {
		return nil, err
	}
	if opts.DownloadPath == "" {
		opts.DownloadPath = "downloads"
	}
	if err := ensureDir("download_path", opts.DownloadPath); err != nil {
		return nil, err
	}
	if opts.FFmpegLocation == "" {
		opts.FFmpegLocation = toolchain.DefaultPrimary
	}
	if opts.DefaultThumbnail == "" {
		opts.DefaultThumbnail = thumbnail.DefaultURL
	}
	if err := toolchain.CheckLocation(opts.FFmpegLocation); err != nil {
		return nil, err
	}

	inst := &Instance{opts: opts, prober: toolchain.NewProber()}
	if opts.ProbeTimeout > 0 {
		inst.prober.Timeout = opts.ProbeTimeout
	}

	inst.res.HTTP = opts.HTTPClient
	if inst.res.HTTP == nil {
		inst.res.HTTP = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		inst.ownsHTTP = true
	}

	inst.res.Cache = opts.Store
	if inst.res.Cache == nil {
		if opts.CacheBackend == config.CacheBackendPostgres {
			inst.res.Cache = storage.NewPostgresKeyStore(opts.Database)
		} else {
			inst.res.Cache = storage.NewKeyCache(opts.CachePath)
		}
	}

	ext := opts.Extract
	if ext == nil {
		ext = extract.NewYtdlp(opts.Extractor.YtdlpPath, opts.Extractor.Timeout, opts.Silent)
	}
	inst.resolver = resolver.New(ext, inst.res.Cache)

	thumbOpts := opts.Thumbnail
	thumbOpts.DefaultURL = opts.DefaultThumbnail
	inst.thumbnails = thumbnail.NewResolver(inst.res.HTTP, thumbOpts)

	return inst, nil
}

// Start probes the toolchain and opens the key cache. Calling it again on a
// started instance does nothing.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.started {
		return nil
	}

	binding, err := i.prober.Probe(ctx, i.opts.FFmpegLocation)
	if err != nil {
		return fmt.Errorf("probe toolchain: %w", err)
	}
	if err := i.res.Cache.Open(ctx); err != nil {
		return fmt.Errorf("open key cache: %w", err)
	}

	i.binding = binding
	i.started = true
	slog.Info("instance started",
		"log_group_id", i.opts.LogGroupID,
		"cache_backend", i.backendName(),
		"secondary_available", binding.SecondaryAvailable,
	)
	return nil
}

// Stop releases the cache storage and then the HTTP session if the instance
// created it. It is safe before Start, after a failed Start and when repeated.
func (i *Instance) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	var errs []error
	if err := i.res.Cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if i.ownsHTTP {
		i.res.HTTP.CloseIdleConnections()
	}

	if i.started {
		slog.Info("instance stopped", "log_group_id", i.opts.LogGroupID)
	}
	i.started = false
	return errors.Join(errs...)
}

// Init builds and starts an instance in one step.
func Init(ctx context.Context, opts Options) (*Instance, error) {
	inst, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := inst.Start(ctx); err != nil {
		_ = inst.Stop()
		return nil, err
	}
	return inst, nil
}

// Run starts an instance, calls fn and stops the instance on every exit
// path, panics included. A Stop failure is reported only if fn succeeded.
func Run(ctx context.Context, opts Options, fn func(ctx context.Context, inst *Instance) error) (err error) {
	inst, err := New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := inst.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	if err := inst.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, inst)
}

// Started reports whether Start has completed and Stop has not run since.
func (i *Instance) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

// Binding returns the probed toolchain, or ErrNotStarted.
func (i *Instance) Binding() (toolchain.Binding, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.started {
		return toolchain.Binding{}, ErrNotStarted
	}
	return i.binding, nil
}

func (i *Instance) Resources() Resources {
	return i.res
}

func (i *Instance) Resolver() *resolver.Resolver {
	return i.resolver
}

func (i *Instance) Thumbnails() *thumbnail.Resolver {
	return i.thumbnails
}

// Options returns the validated options, defaults filled in.
func (i *Instance) Options() Options {
	return i.opts
}

func (i *Instance) backendName() string {
	if _, ok := i.res.Cache.(*storage.PostgresKeyStore); ok {
		return config.CacheBackendPostgres
	}
	if _, ok := i.res.Cache.(*storage.KeyCache); ok {
		return config.CacheBackendSQLite
	}
	return "custom"
}

// ensureDir creates path if it is missing and rejects anything that exists
// but is not a directory.
func ensureDir(option, path string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return &PathTypeError{Option: option, Path: path}
		}
		return nil
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", option, err)
		}
		return nil
	default:
		return fmt.Errorf("stat %s: %w", option, err)
	}
}
