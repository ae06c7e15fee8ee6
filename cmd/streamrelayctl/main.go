// SPDX-License-Identifier: MIT

// Command streamrelayctl is the administrator CLI for streamrelayd: it
// drives the same controlplane.Service the daemon's HTTP API wraps,
// operating directly on the registry database rather than over the
// network, so it works whether or not the daemon is currently running.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/streamrelay/streamrelay/internal/config"
	"github.com/streamrelay/streamrelay/internal/controlplane"
	"github.com/streamrelay/streamrelay/internal/registry"
	"github.com/streamrelay/streamrelay/internal/supervisor"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const exitError = 1

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

// run is the main entry point, extracted for testability.
func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "list":
		return runList(commandArgs)
	case "add":
		return runAdd(commandArgs)
	case "start":
		return runStart(commandArgs)
	case "stop":
		return runStop(commandArgs)
	case "remove":
		return runRemove(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'streamrelayctl help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Printf(`streamrelayctl %s

USAGE:
    streamrelayctl [COMMAND] [OPTIONS]

COMMANDS:
    help              Show this help message
    version           Show version information
    list              List configured streams
    add               Interactive wizard to add a new stream
    start ID          Request a stream start
    stop ID           Request a stream stop
    remove ID         Delete a stream (must be stopped first)

OPTIONS:
    --config PATH     Path to configuration file (default: %s)

streamrelayctl operates directly on the registry database named in the
configuration file; it does not require streamrelayd to be running, except
that a started/stopped stream only actually moves once the daemon's
supervisor is up to observe the intent.
`, Version, config.ConfigFilePath)
	return nil
}

func runVersion() error {
	fmt.Printf("streamrelayctl\n  Version:    %s\n  Git Commit: %s\n  Built:      %s\n", Version, GitCommit, BuildDate)
	return nil
}

// noopIntenter lets streamrelayctl call controlplane.Service methods that
// issue intents (RequestStart/RequestStop) without a live supervisor: the
// intent is silently dropped since no dispatcher is listening, and a
// streamrelayd running against the same database does not receive it.
// RequestStart's registry write (enabled=1) still happens.
type noopIntenter struct{}

func (noopIntenter) Intent(ctx context.Context, in supervisor.Intent) error { return nil }

func openService(configPath string) (*controlplane.Service, *registry.Store, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.DefaultConfig()
		} else {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
	}
	store, err := registry.Open(cfg.Registry.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	return controlplane.New(store, noopIntenter{}), store, nil
}

func configPathFlag(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return config.ConfigFilePath
}

func runList(args []string) error {
	svc, store, err := openService(configPathFlag(args))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	recs, err := svc.ListStreams(ctx, 1, 1000, "")
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("No streams configured.")
		return nil
	}
	fmt.Printf("%-8s %-20s %-8s %-30s %-30s %s\n", "ID", "KEY", "ENABLED", "INPUT", "OUTPUT", "REASON")
	for _, r := range recs {
		reason := ""
		if r.Reason != nil {
			reason = *r.Reason
		}
		fmt.Printf("%-8d %-20s %-8d %-30s %-30s %s\n", r.ID, r.Key, r.Enabled, r.InputURL, r.OutputURL, reason)
	}
	return nil
}

// runAdd launches an interactive huh wizard collecting name/input/output
// and inserts the resulting stream.
func runAdd(args []string) error {
	svc, store, err := openService(configPathFlag(args))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var name, inputURL, outputURL string
	var confirmed bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Stream name").
				Value(&name).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("name must not be empty")
					}
					return nil
				}),
			huh.NewInput().
				Title("RTSP input URL").
				Value(&inputURL).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("input URL must not be empty")
					}
					return nil
				}),
			huh.NewInput().
				Title("RTMP output URL").
				Value(&outputURL).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("output URL must not be empty")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Save this stream?").
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("wizard cancelled: %w", err)
	}
	if !confirmed {
		fmt.Println("Cancelled, nothing saved.")
		return nil
	}

	rec, err := svc.InsertStream(context.Background(), name, inputURL, outputURL)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	fmt.Printf("Added stream %s (id=%d), currently stopped. Run 'streamrelayctl start %d' to start it.\n", rec.Key, rec.ID, rec.ID)
	return nil
}

func runStart(args []string) error {
	return withID(args, func(svc *controlplane.Service, id int64) error {
		if err := svc.RequestStart(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Stream %d marked enabled.\n", id)
		return nil
	})
}

func runStop(args []string) error {
	return withID(args, func(svc *controlplane.Service, id int64) error {
		if err := svc.RequestStop(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Stream %d marked disabled.\n", id)
		return nil
	})
}

func runRemove(args []string) error {
	return withID(args, func(svc *controlplane.Service, id int64) error {
		if err := svc.DeleteStream(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Stream %d removed.\n", id)
		return nil
	})
}

func withID(args []string, fn func(svc *controlplane.Service, id int64) error) error {
	var idStr string
	var rest []string
	for _, a := range args {
		if idStr == "" && len(a) > 0 && a[0] != '-' {
			idStr = a
			continue
		}
		rest = append(rest, a)
	}
	if idStr == "" {
		return fmt.Errorf("stream ID is required")
	}
	var id int64
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		return fmt.Errorf("invalid stream ID %q: %w", idStr, err)
	}

	svc, store, err := openService(configPathFlag(rest))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return fn(svc, id)
}
