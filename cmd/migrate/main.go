package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/inventory/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "INVENTORY_POSTGRES_DSN"
)

var errMissingDSN = errors.New(dsnEnv + " (or -dsn) is required")

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fail("%v", err)
	}
}

// options — разобранные аргументы командной строки.
type options struct {
	direction string
	steps     int
	dsn       string
}

func parseArgs(args []string, getenv func(string) string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+dsnEnv+")")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}
	if opts.steps < 0 {
		return options{}, fmt.Errorf("steps must be >= 0, got %d", opts.steps)
	}
	if opts.direction == "down" && opts.steps == 0 {
		opts.steps = 1
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(getenv(dsnEnv))
	}
	if opts.dsn == "" {
		return options{}, errMissingDSN
	}
	return opts, nil
}

func run(ctx context.Context, args []string, getenv func(string) string, out io.Writer) error {
	opts, err := parseArgs(args, getenv)
	if err != nil {
		return err
	}

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		if err := store.MigrateDown(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, _ = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d\n", opts.direction, version, count)
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
