// Command licensectl runs maintenance tasks against the licensing store
// configured for the server: expiry sweeps, manual renewals and extensions,
// and key or activation exports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"licensed/internal/app"
	"licensed/internal/config"
	"licensed/internal/exporter"
	"licensed/internal/infrastructure"
	"licensed/internal/store"
	"licensed/pkg/contracts"
)

const usage = `usage: licensectl [-config file] <command> [args]

commands:
  sweep                                   expire keys past their expiration date
  renew <key>                             renew a key by one billing interval
  extend <key>                            push a key's expiration by one billing interval
  export <keys|activations> <csv|xlsx> <file>
                                          write a table of keys or activations
  version                                 print version information`

var errUsage = errors.New(usage)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// run executes one command. A nil logger initializes the configured one.
func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	flags := flag.NewFlagSet("licensectl", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	configPath := flags.String("config", "", "path to the YAML configuration file")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w\n\n%s", err, usage)
	}

	rest := flags.Args()
	if len(rest) == 0 {
		return errUsage
	}
	command, rest := rest[0], rest[1:]
	if command == "version" {
		fmt.Fprintln(stdout, contracts.GetFullVersionString())
		return nil
	}
	if !validArgs(command, rest) {
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if logger == nil {
		if logger, err = infrastructure.InitializeLogger(cfg.Logging); err != nil {
			return err
		}
		defer infrastructure.CloseLogFile()
	}
	if cfg.Storage.Driver == config.StorageMemory {
		logger.Warn("memory storage holds no data outside the server process")
	}

	core, err := app.NewCore(ctx, cfg, noop.NewMeterProvider().Meter("licensectl"), logger)
	if err != nil {
		return err
	}
	defer core.Close()

	switch command {
	case "sweep":
		res, err := core.Sweeper.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "expired %d keys and %d activations\n", res.KeysExpired, res.ActivationsExpired)

	case "renew":
		r, err := core.Keys.Renew(ctx, rest[0], nil)
		if err != nil {
			return err
		}
		k, err := core.Keys.Get(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "renewal %d recorded, %s\n", r.ID, describeExpiry(k.Expires))

	case "extend":
		expires, err := core.Keys.Extend(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s %s\n", rest[0], describeExpiry(expires))

	case "export":
		return export(ctx, core, rest[0], rest[1], rest[2], stdout)
	}
	return nil
}

func validArgs(command string, args []string) bool {
	switch command {
	case "sweep":
		return len(args) == 0
	case "renew", "extend":
		return len(args) == 1
	case "export":
		return len(args) == 3
	}
	return false
}

func export(ctx context.Context, core *app.Core, what, rawFormat, path string, stdout io.Writer) (err error) {
	format, err := exporter.ParseFormat(rawFormat)
	if err != nil {
		return err
	}

	var table exporter.Table
	switch what {
	case "keys":
		keys, err := core.Keys.List(ctx, store.KeyFilter{})
		if err != nil {
			return err
		}
		table = exporter.KeysTable(keys)
	case "activations":
		acts, err := core.Activations.List(ctx, store.ActivationFilter{})
		if err != nil {
			return err
		}
		table = exporter.ActivationsTable(acts)
	default:
		return fmt.Errorf("unknown export %q, want keys or activations", what)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := exporter.Write(f, format, table); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d %s to %s\n", len(table.Rows), what, path)
	return nil
}

func describeExpiry(t *time.Time) string {
	if t == nil {
		return "never expires"
	}
	return "expires " + t.UTC().Format(time.RFC3339)
}
