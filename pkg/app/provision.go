package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nodesync/nodesync/pkg/auth"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

// ProvisionRequest names the account to provision a device for. An empty
// WorkspaceID creates a new workspace called WorkspaceName.
type ProvisionRequest struct {
	Email         string
	Name          string
	WorkspaceID   models.WorkspaceID
	WorkspaceName string
	Platform      string
}

// Provisioned is what a new device needs to sync.
type Provisioned struct {
	Account   *models.Account
	Workspace *models.Workspace
	User      *models.User
	Device    *models.Device
	Token     string
}

// Provision creates or reuses the account, the workspace and the membership
// of req, registers a new device and issues its token. Directory writes
// commit together.
func Provision(ctx context.Context, st store.Store, signer *auth.Signer, req ProvisionRequest) (*Provisioned, error) {
	if req.Email == "" {
		return nil, errors.New("an email is required")
	}
	now := time.Now().UTC()
	out := &Provisioned{}

	err := st.Transaction(ctx, func(tx store.Store) error {
		account, err := tx.GetAccountByEmail(ctx, req.Email)
		if err != nil {
			return err
		}
		if account == nil {
			account = &models.Account{ID: models.NewAccountID(), Email: req.Email, Name: req.Name, CreatedAt: now}
			if err := tx.CreateAccount(ctx, account); err != nil {
				return err
			}
		}
		out.Account = account

		if req.WorkspaceID.IsZero() {
			name := req.WorkspaceName
			if name == "" {
				name = "Workspace"
			}
			ws := &models.Workspace{ID: models.NewWorkspaceID(), Name: name, CreatedBy: account.ID, CreatedAt: now}
			if err := tx.CreateWorkspace(ctx, ws); err != nil {
				return err
			}
			out.Workspace = ws
		} else {
			ws, err := tx.GetWorkspace(ctx, req.WorkspaceID)
			if err != nil {
				return err
			}
			if ws == nil {
				return fmt.Errorf("workspace %s not found", req.WorkspaceID)
			}
			out.Workspace = ws
		}

		user, err := tx.GetWorkspaceUser(ctx, out.Workspace.ID, account.ID)
		if err != nil {
			return err
		}
		if user == nil {
			user = &models.User{ID: models.NewUserID(), WorkspaceID: out.Workspace.ID, AccountID: account.ID, Name: req.Name, CreatedAt: now}
			if err := tx.CreateUser(ctx, user); err != nil {
				return err
			}
		}
		out.User = user

		out.Device = &models.Device{ID: models.NewDeviceID(), AccountID: account.ID, Platform: req.Platform, CreatedAt: now}
		return tx.CreateDevice(ctx, out.Device)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to provision %s: %w", req.Email, err)
	}

	out.Token, err = signer.Issue(auth.Identity{
		AccountID:   out.Account.ID,
		DeviceID:    out.Device.ID,
		WorkspaceID: out.Workspace.ID,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClientConfig returns the client section for the provisioned device.
func (p *Provisioned) ClientConfig(serverURL string) ClientConfig {
	return ClientConfig{
		ServerURL:   serverURL,
		Token:       p.Token,
		WorkspaceID: p.Workspace.ID.String(),
		UserID:      p.User.ID.String(),
		DeviceID:    p.Device.ID.String(),
	}
}

func runProvision(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f := newFlags("provision")
	f.string("database", "PostgreSQL DSN or sqlite:<path>")
	f.string("secret", "device token signing secret")
	f.string("token-ttl", "device token lifetime")
	f.string("server", "server URL written to the client config")
	f.string("email", "account email")
	f.string("name", "display name")
	f.string("workspace", "existing workspace id; a new workspace is created when empty")
	f.string("workspace-name", "name of the new workspace")
	f.string("platform", "device platform")
	cfg, err := f.load(args)
	if err != nil {
		return err
	}
	log, err := NewLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	signer, err := auth.NewSigner(cfg.Server.Secret, cfg.Server.TokenTTL)
	if err != nil {
		return err
	}

	req := ProvisionRequest{
		Email:         f.arg("email"),
		Name:          f.arg("name"),
		WorkspaceName: f.arg("workspace-name"),
		Platform:      f.arg("platform"),
	}
	if v := f.arg("workspace"); v != "" {
		if req.WorkspaceID, err = models.ParseWorkspaceID(v); err != nil {
			return err
		}
	}

	st, err := openStore(ctx, cfg.Server, true)
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := Provision(ctx, st, signer, req)
	if err != nil {
		return err
	}
	log.Info("app.Provision registered device", "account", p.Account.ID, "workspace", p.Workspace.ID, "device", p.Device.ID)

	enc := yaml.NewEncoder(stdout)
	defer enc.Close()
	return enc.Encode(struct {
		Client ClientConfig `yaml:"client"`
	}{p.ClientConfig(cfg.Client.ServerURL)})
}
