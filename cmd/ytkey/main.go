// Command ytkey drives a resolution instance from the shell: it submits
// references, resolves keys, picks thumbnails and maintains the key cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/your-org/ytkey/internal/config"
	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/lifecycle"
	"github.com/your-org/ytkey/internal/observability"
)

const usage = `usage: ytkey [-config path] <command> [args]

commands:
  submit <link|video id|url>   print the key for a reference
  resolve <key>                print the formats a key resolves to
  thumb <video id>             print the best available thumbnail URL
  probe                        print the detected ffmpeg/ffprobe binding
  purge [-older-than 720h]     delete cache entries older than the cutoff
`

var errNotFound = errors.New("key expired or never existed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ytkey", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "configs/config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	// Logs go to stderr so stdout stays parseable.
	observability.SetupLogger(cfg.Logging.Level, "text")

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var fn func(ctx context.Context, inst *lifecycle.Instance) error
	switch cmd {
	case "submit":
		input, err := oneArg(cmd, rest)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		fn = func(ctx context.Context, inst *lifecycle.Instance) error {
			key, err := inst.Resolver().Submit(ctx, input)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, key)
			return nil
		}
	case "resolve":
		raw, err := oneArg(cmd, rest)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		fn = func(ctx context.Context, inst *lifecycle.Instance) error {
			res, err := inst.Resolver().ResolveString(ctx, raw)
			if err != nil {
				return err
			}
			if res == nil {
				return fmt.Errorf("%s: %w", raw, errNotFound)
			}
			return writeJSON(stdout, res)
		}
	case "thumb":
		id, err := oneArg(cmd, rest)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		if _, ok := keys.Parse(id).(keys.VideoID); !ok {
			fmt.Fprintf(stderr, "thumb: %q is not a video id\n", id)
			return 2
		}
		fn = func(ctx context.Context, inst *lifecycle.Instance) error {
			fmt.Fprintln(stdout, inst.Thumbnails().Resolve(ctx, id))
			return nil
		}
	case "probe":
		fn = func(_ context.Context, inst *lifecycle.Instance) error {
			b, err := inst.Binding()
			if err != nil {
				return err
			}
			return writeJSON(stdout, b)
		}
	case "purge":
		pfs := flag.NewFlagSet("purge", flag.ContinueOnError)
		pfs.SetOutput(stderr)
		olderThan := pfs.Duration("older-than", 30*24*time.Hour, "delete entries created before now minus this")
		if err := pfs.Parse(rest); err != nil {
			return 2
		}
		fn = func(ctx context.Context, inst *lifecycle.Instance) error {
			store := inst.Resources().Cache
			removed, err := store.Purge(ctx, time.Now().Add(-*olderThan))
			if err != nil {
				return err
			}
			left, err := store.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "removed %d, remaining %d\n", removed, left)
			return nil
		}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	if err := lifecycle.Run(ctx, lifecycle.OptionsFromConfig(cfg), fn); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s takes exactly one argument", cmd)
	}
	return args[0], nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
