package fanout

import (
	"context"
	"time"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/logger"
	"github.com/nodesync/nodesync/pkg/metrics"
	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

// Hint tells a device that a stream has new changes up to Cursor.
type Hint struct {
	WorkspaceID models.WorkspaceID
	Stream      models.Stream
	Cursor      string
}

// Hub reaches connected devices.
type Hub interface {
	Connected(deviceID models.DeviceID) bool
	Notify(ctx context.Context, deviceID models.DeviceID, hint Hint) error
}

type DispatcherOption func(*Dispatcher)

// WithRetryCeiling sets how many failed pushes a delivery may accumulate
// before it is pruned.
func WithRetryCeiling(n int) DispatcherOption {
	return func(d *Dispatcher) { d.ceiling = n }
}

func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batch = n }
}

// WithInterval sets the period of the background sweep.
func WithInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.interval = interval }
}

func WithLogger(l logger.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher pushes pending deliveries.
type Dispatcher struct {
	store    store.Store
	hub      Hub
	log      logger.Logger
	ceiling  int
	batch    int
	interval time.Duration
	kick     chan struct{}
}

func NewDispatcher(s store.Store, hub Hub, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		hub:      hub,
		log:      logger.Nop{},
		ceiling:  constants.DefaultPushRetryCeiling,
		batch:    500,
		interval: 5 * time.Second,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Kick schedules a dispatch round without waiting for it.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run dispatches on every kick and every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick:
		case <-ticker.C:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("fanout.Dispatcher failed to dispatch", "error", err)
		}
	}
}

// Stats counts the outcome of one dispatch round, per delivery row.
type Stats struct {
	Notified int
	Failed   int
	Pruned   int
	Offline  int
}

type hintKey struct {
	device      models.DeviceID
	workspaceID models.WorkspaceID
	stream      models.Stream
}

// DispatchOnce pushes one batch of pending deliveries. Deliveries of the same
// device stream are coalesced into one hint carrying the head cursor of that
// stream for the device.
// A successful push marks every coalesced delivery notified and leaves its
// retry counter alone; a failed push increments each counter and prunes rows
// that reach the ceiling. Deliveries of disconnected devices are left for
// the pull path and count as neither.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	// Rows can sit at or above the ceiling when it was lowered since they
	// were last pushed.
	pruned, err := d.store.PruneDeliveries(ctx, d.ceiling)
	if err != nil {
		return stats, err
	}
	stats.Pruned += int(pruned)

	pending, err := d.store.ListPendingDeliveries(ctx, d.ceiling, d.batch)
	if err != nil {
		return stats, err
	}

	groups := map[hintKey][]*models.Delivery{}
	var order []hintKey
	for _, del := range pending {
		if !d.hub.Connected(del.DeviceID) {
			stats.Offline++
			continue
		}
		k := hintKey{device: del.DeviceID, workspaceID: del.WorkspaceID, stream: del.Stream}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], del)
	}

	for _, k := range order {
		if ctx.Err() != nil {
			break
		}
		group := groups[k]
		last := group[len(group)-1].ChangeID
		head, err := d.store.LastChangeID(ctx, k.device, k.workspaceID, k.stream)
		if err != nil {
			return stats, err
		}
		last = max(last, head)
		hint := Hint{WorkspaceID: k.workspaceID, Stream: k.stream, Cursor: models.FormatCursor(last)}

		pushErr := d.hub.Notify(ctx, k.device, hint)
		now := codec.Now()
		for _, del := range group {
			if pushErr == nil {
				del.MarkNotified(now)
				if err := d.store.SaveDelivery(ctx, del); err != nil {
					return stats, err
				}
				stats.Notified++
				continue
			}

			del.MarkFailed(pushErr.Error())
			if del.Exhausted(d.ceiling) {
				if err := d.store.DeleteDelivery(ctx, del.ChangeID, del.DeviceID); err != nil {
					return stats, err
				}
				stats.Pruned++
				continue
			}
			if err := d.store.SaveDelivery(ctx, del); err != nil {
				return stats, err
			}
			stats.Failed++
		}
		if pushErr != nil {
			d.log.Debug("fanout.Dispatcher push failed", "device", k.device.String(), "stream", string(k.stream), "error", pushErr)
		}
	}

	metrics.AddPushes(metrics.PushNotified, stats.Notified)
	metrics.AddPushes(metrics.PushFailed, stats.Failed)
	metrics.AddPushes(metrics.PushPruned, stats.Pruned)
	metrics.AddPushes(metrics.PushSkipped, stats.Offline)
	return stats, nil
}
