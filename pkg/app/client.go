package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nodesync/nodesync"
	"github.com/nodesync/nodesync/pkg/localstore"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/outbox"
)

// Identity parses the ids of the client section.
func (c ClientConfig) Identity() (outbox.Identity, error) {
	ws, err := models.ParseWorkspaceID(c.WorkspaceID)
	if err != nil {
		return outbox.Identity{}, err
	}
	user, err := models.ParseUserID(c.UserID)
	if err != nil {
		return outbox.Identity{}, err
	}
	device, err := models.ParseDeviceID(c.DeviceID)
	if err != nil {
		return outbox.Identity{}, err
	}
	return outbox.Identity{WorkspaceID: ws, UserID: user, DeviceID: device}, nil
}

func runClient(ctx context.Context, args []string, stderr io.Writer) error {
	f := newFlags("client")
	f.string("server", "server URL")
	f.string("token", "device token")
	f.string("data", "replica file")
	f.string("transport", "client WebSocket library: gorilla or gws")
	f.string("space", "create a space with this name once started")
	cfg, err := f.load(args)
	if err != nil {
		return err
	}
	log, err := NewLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	return RunClient(ctx, cfg.Client, log, f.arg("space"))
}

// RunClient keeps a replica in sync until ctx is done. A non-empty space
// creates a space node first.
func RunClient(ctx context.Context, cfg ClientConfig, log logger.Logger, space string) error {
	id, err := cfg.Identity()
	if err != nil {
		return fmt.Errorf("invalid client identity: %w", err)
	}
	client, err := nodesync.Open(nodesync.Config{
		ServerURL:    cfg.ServerURL,
		Token:        cfg.Token,
		DataPath:     cfg.DataPath,
		Transport:    cfg.Transport,
		Identity:     id,
		PullInterval: cfg.PullInterval,
	},
		nodesync.WithLogger(log),
		nodesync.WithDenialHandler(func(rejected []*localstore.RejectedEntry) {
			for _, r := range rejected {
				log.Warn("app.RunClient mutation denied", "id", r.Mutation.ID, "type", r.Mutation.Type, "status", r.Status.String())
			}
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Error("app.RunClient failed to close", "error", err)
		}
	}()

	if space != "" {
		n, err := client.Outbox().CreateNode(models.NodeTypeSpace, nil, map[string]any{"name": space})
		if err != nil {
			return err
		}
		log.Info("app.RunClient created space", "id", n.ID)
	}

	log.Info("app.RunClient syncing", "server", cfg.ServerURL, "workspace", id.WorkspaceID, "device", id.DeviceID)
	return client.Run(ctx)
}
