package fanout

import (
	"context"
	"fmt"

	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/metrics"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

// Feed serves cursor pulls.
type Feed struct {
	store    store.Store
	maxLimit int
}

func NewFeed(s store.Store) *Feed {
	return &Feed{store: s, maxLimit: 1000}
}

// Pull returns the changes of a device stream after cursor, ascending, at
// most limit of them. Presenting a cursor proves everything up to it was
// applied, so pending push deliveries up to the cursor are removed.
func (f *Feed) Pull(ctx context.Context, deviceID models.DeviceID, workspaceID models.WorkspaceID, stream models.Stream, cursor string, limit int) ([]*models.ChangeRecord, error) {
	if !stream.Valid() {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	after, err := models.ParseCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrInvalidCursor, err)
	}
	if limit <= 0 {
		limit = constants.DefaultPullLimit
	}
	if limit > f.maxLimit {
		limit = f.maxLimit
	}

	if after > 0 {
		if _, err := f.store.AckDeliveries(ctx, deviceID, workspaceID, stream, after); err != nil {
			return nil, err
		}
	}

	changes, err := f.store.ListChanges(ctx, deviceID, workspaceID, stream, after, limit)
	if err != nil {
		return nil, err
	}
	metrics.AddPulledItems(string(stream), len(changes))
	return changes, nil
}
