// Package fanout turns accepted changes into delivery obligations.
//
// The Recorder appends a change record inside the caller's transaction and
// resolves which devices may pull it. Every target except the originating
// device also gets a push delivery row. The Dispatcher pushes hints for
// pending deliveries to connected devices and counts failures per (change,
// device); rows that reach the retry ceiling are pruned and the device
// recovers the change through the Feed, which serves cursor pulls.
package fanout

import (
	"context"
	"fmt"
	"sort"

	"github.com/nodesync/nodesync/pkg/authz"
	"github.com/nodesync/nodesync/pkg/metrics"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

// Recorder appends change records and their delivery obligations.
type Recorder struct{}

func NewRecorder() *Recorder { return &Recorder{} }

// Subject identifies the node a change is about, for target resolution.
type Subject struct {
	WorkspaceID models.WorkspaceID
	NodeID      models.NodeID
	NodeType    models.NodeType
}

// ResolveTargets returns the devices entitled to changes about subject. For
// user nodes that is every device of every workspace member; otherwise the
// devices of every user holding a role on the node or one of its ancestors.
func ResolveTargets(ctx context.Context, tx store.Store, subject Subject) ([]models.DeviceID, error) {
	if subject.NodeType == models.NodeTypeUser {
		return tx.ListWorkspaceDevices(ctx, subject.WorkspaceID)
	}
	chain, err := authz.Ancestors(ctx, tx, subject.NodeID)
	if err != nil {
		return nil, err
	}
	users, err := authz.Grantees(ctx, tx, chain)
	if err != nil {
		return nil, err
	}
	return tx.ListUserDevices(ctx, users)
}

// Record resolves targets for subject, adds the devices of extraUsers, and
// appends change with its targets and deliveries in tx.
func (r *Recorder) Record(ctx context.Context, tx store.Store, change *models.ChangeRecord, subject Subject, origin models.DeviceID, extraUsers ...models.UserID) error {
	devices, err := ResolveTargets(ctx, tx, subject)
	if err != nil {
		return fmt.Errorf("failed to resolve targets of %s %s: %w", change.Stream, change.EntityID, err)
	}
	if len(extraUsers) > 0 {
		extra, err := tx.ListUserDevices(ctx, extraUsers)
		if err != nil {
			return err
		}
		devices = append(devices, extra...)
	}
	return r.RecordTo(ctx, tx, change, devices, origin)
}

// RecordTo appends change targeted at an explicit device set.
func (r *Recorder) RecordTo(ctx context.Context, tx store.Store, change *models.ChangeRecord, devices []models.DeviceID, origin models.DeviceID) error {
	devices = uniqueDevices(devices)

	change.Targets = make([]models.ChangeTarget, 0, len(devices))
	for _, d := range devices {
		change.Targets = append(change.Targets, models.ChangeTarget{DeviceID: d})
	}
	if err := tx.AppendChange(ctx, change); err != nil {
		return fmt.Errorf("failed to append %s change: %w", change.Stream, err)
	}

	deliveries := make([]*models.Delivery, 0, len(devices))
	for _, d := range devices {
		if d == origin {
			continue
		}
		deliveries = append(deliveries, &models.Delivery{
			ChangeID:    change.ID,
			DeviceID:    d,
			WorkspaceID: change.WorkspaceID,
			Stream:      change.Stream,
			CreatedAt:   change.CreatedAt,
		})
	}
	if err := tx.CreateDeliveries(ctx, deliveries); err != nil {
		return fmt.Errorf("failed to create deliveries: %w", err)
	}

	metrics.IncChange(string(change.Stream))
	return nil
}

func uniqueDevices(in []models.DeviceID) []models.DeviceID {
	seen := make(map[models.DeviceID]struct{}, len(in))
	out := make([]models.DeviceID, 0, len(in))
	for _, d := range in {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
