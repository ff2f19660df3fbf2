// Package app implements the nodesync command line: the sync server, schema
// migration, device provisioning and a headless client.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nodesync/nodesync/pkg/logger"
)

var Version = "dev"

const usage = `usage: nodesync <command> [flags]

commands:
  serve      run the sync server
  migrate    create or extend the database schema
  provision  create an account, workspace membership and device, and print its client config
  client     run a headless client that keeps a local replica in sync
  version    print the version
`

// Main runs the command named by args[0] and returns the process exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(ctx, args[1:], stderr)
	case "migrate":
		err = runMigrate(ctx, args[1:], stderr)
	case "provision":
		err = runProvision(ctx, args[1:], stdout, stderr)
	case "client":
		err = runClient(ctx, args[1:], stderr)
	case "version":
		fmt.Fprintln(stdout, Version)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	default:
		fmt.Fprintf(stderr, "nodesync %s: %v\n", args[0], err)
		return 1
	}
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg LogConfig, w io.Writer) (logger.Logger, error) {
	switch strings.ToLower(cfg.Format) {
	case "zerolog":
		level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, err
		}
		return logger.NewZerologWriter(w, level), nil
	case "json", "text", "":
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q", cfg.Level)
		}
		opts := &slog.HandlerOptions{Level: level}
		if strings.EqualFold(cfg.Format, "json") {
			return logger.New(slog.NewJSONHandler(w, opts)), nil
		}
		return logger.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}
