package app

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/nodesync/nodesync/pkg/auth"
	"github.com/nodesync/nodesync/pkg/fanout"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/processor"
	"github.com/nodesync/nodesync/pkg/server"
	"github.com/nodesync/nodesync/pkg/store/postgres"
)

func openStore(ctx context.Context, cfg ServerConfig, migrate bool) (*postgres.PostgresStore, error) {
	st, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}

func runMigrate(ctx context.Context, args []string, stderr io.Writer) error {
	f := newFlags("migrate")
	f.string("database", "PostgreSQL DSN or sqlite:<path>")
	cfg, err := f.load(args)
	if err != nil {
		return err
	}
	log, err := NewLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.Server, true)
	if err != nil {
		return err
	}
	log.Info("app.migrate schema is up to date")
	return st.Close()
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	f := newFlags("serve")
	f.string("addr", "listen address")
	f.string("database", "PostgreSQL DSN or sqlite:<path>")
	f.string("secret", "device token signing secret")
	cfg, err := f.load(args)
	if err != nil {
		return err
	}
	log, err := NewLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	return Serve(ctx, cfg.Server, log)
}

// Serve runs the server, the push dispatcher and the cascade sweeper until
// ctx is done or one of them fails.
func Serve(ctx context.Context, cfg ServerConfig, log logger.Logger) error {
	if cfg.Secret == "" {
		return errors.New("a token secret is required")
	}
	signer, err := auth.NewSigner(cfg.Secret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := server.NewHub()
	dispatcher := fanout.NewDispatcher(st, hub,
		fanout.WithInterval(cfg.DispatchInterval),
		fanout.WithLogger(log),
	)
	proc := processor.New(st,
		processor.WithLogger(log),
		processor.WithOnCommit(dispatcher.Kick),
	)
	srv := server.New(st, proc, signer,
		server.WithHub(hub),
		server.WithLogger(log),
		server.WithVersion(Version),
		server.WithPullLimit(cfg.PullLimit),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Addr) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return proc.Cascader().Run(ctx, cfg.CascadeInterval) })

	log.Info("app.Serve started", "addr", cfg.Addr, "version", Version)
	err = g.Wait()
	log.Info("app.Serve stopped", "error", err)
	return err
}
