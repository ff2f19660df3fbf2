package synchronizer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/nodesync/nodesync/internal/rand"
	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/localstore"
	"github.com/nodesync/nodesync/pkg/metrics"
	"github.com/nodesync/nodesync/pkg/models"
)

const (
	StateIdle       = "idle"
	StateWaiting    = "waiting"
	StateProcessing = "processing"

	eventPull    = "pull"
	eventReceive = "receive"
	eventDone    = "done"
	eventAbort   = "abort"
)

func newStreamFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventPull, Src: []string{StateIdle}, Dst: StateWaiting},
			{Name: eventReceive, Src: []string{StateWaiting}, Dst: StateProcessing},
			{Name: eventDone, Src: []string{StateProcessing}, Dst: StateIdle},
			{Name: eventAbort, Src: []string{StateWaiting}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)
}

type streamSignal int

const (
	signalOpen streamSignal = iota + 1
	signalClose
	signalHint
)

// streamSync pulls one stream of one workspace. Its goroutine is the only
// one driving the state machine, so at most one pull is outstanding.
type streamSync struct {
	s         *Synchronizer
	stream    models.Stream
	key       string
	processor Processor
	fsm       *fsm.FSM
	signals   chan streamSignal

	// generation changes on every transport close. A response that arrives
	// under an older generation is dropped.
	generation atomic.Uint64
	requestID  string
}

func newStreamSync(s *Synchronizer, stream models.Stream, p Processor) *streamSync {
	return &streamSync{
		s:         s,
		stream:    stream,
		key:       StreamKey(s.id.WorkspaceID, stream),
		processor: p,
		fsm:       newStreamFSM(),
		signals:   make(chan streamSignal, 4),
	}
}

func (ss *streamSync) signal(sig streamSignal) {
	if sig == signalClose {
		ss.generation.Add(1)
	}
	select {
	case ss.signals <- sig:
	default:
		if sig != signalHint {
			// Make room: open and close must not be lost behind hints.
			select {
			case <-ss.signals:
			default:
			}
			ss.signals <- sig
		}
	}
}

func (ss *streamSync) run(ctx context.Context) {
	var tick <-chan time.Time
	var ticker *time.Ticker
	stopTick := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tick = nil
		}
	}
	defer stopTick()

	if ss.s.ready() == nil {
		ticker = time.NewTicker(ss.tickInterval())
		tick = ticker.C
		ss.pullAll(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ss.signals:
			switch sig {
			case signalOpen:
				if ticker == nil {
					ticker = time.NewTicker(ss.tickInterval())
					tick = ticker.C
				}
				ss.pullAll(ctx)
			case signalClose:
				stopTick()
			case signalHint:
				ss.pullAll(ctx)
			}
		case <-tick:
			ss.pullAll(ctx)
		}
	}
}

// tickInterval spreads the periodic pulls of the streams apart.
func (ss *streamSync) tickInterval() time.Duration {
	return rand.Jitter(ss.s.interval, 0.1)
}

// pullAll pulls until the stream is drained or a pull stops short.
func (ss *streamSync) pullAll(ctx context.Context) {
	for ctx.Err() == nil {
		more, err := ss.pull(ctx)
		if err != nil {
			ss.s.log.Debug("synchronizer.Stream pull stopped", "stream", ss.stream, "error", err)
			return
		}
		if !more {
			return
		}
	}
}

// pull runs one idle → waiting → processing → idle cycle. It reports whether
// a full page was applied, meaning more items may be waiting.
func (ss *streamSync) pull(ctx context.Context) (bool, error) {
	if err := ss.s.ready(); err != nil {
		return false, err
	}
	if ss.fsm.Current() != StateIdle {
		return false, fmt.Errorf("stream is %s", ss.fsm.Current())
	}

	var cursor string
	if err := ss.s.store.View(func(tx *localstore.Tx) error {
		var err error
		cursor, err = tx.GetCursor(ss.key)
		return err
	}); err != nil {
		return false, err
	}

	input := connection.StreamInput{WorkspaceID: ss.s.id.WorkspaceID}
	requestID, err := RequestID(ss.s.id.DeviceID, ss.stream, input)
	if err != nil {
		return false, err
	}

	if err := ss.fsm.Event(ctx, eventPull); err != nil {
		return false, err
	}
	ss.requestID = requestID
	generation := ss.generation.Load()

	res, err := connection.Pull(ss.s.conn, ctx, &connection.PullRequest{
		RequestID: requestID,
		StreamID:  ss.stream,
		Input:     input,
		Cursor:    cursor,
		Limit:     ss.s.limit,
	})
	switch {
	case err != nil:
	case generation != ss.generation.Load():
		err = constants.ErrStaleResponse
	case res.RequestID != ss.requestID || res.StreamID != ss.stream:
		err = constants.ErrStaleResponse
	}
	if err != nil {
		ss.requestID = ""
		_ = ss.fsm.Event(ctx, eventAbort)
		return false, err
	}

	if err := ss.fsm.Event(ctx, eventReceive); err != nil {
		return false, err
	}
	applied, applyErr := ss.apply(res.Items)
	ss.requestID = ""
	if err := ss.fsm.Event(ctx, eventDone); err != nil {
		return false, err
	}
	if applyErr != nil {
		return false, applyErr
	}
	return applied == ss.s.limit, nil
}

// apply applies items in order, each together with its cursor advance. It
// stops at the first failing item and returns how many were applied.
func (ss *streamSync) apply(items []connection.PullItem) (int, error) {
	for i, item := range items {
		err := ss.s.store.Update(func(tx *localstore.Tx) error {
			if err := ss.processor.Apply(tx, item.Data); err != nil {
				return err
			}
			return tx.PutCursor(ss.key, item.Cursor, ss.s.now())
		})
		if err != nil {
			metrics.IncSyncItem(string(ss.stream), metrics.ResultFailed)
			ss.s.log.Warn("synchronizer.Stream failed to apply item",
				"stream", ss.stream, "cursor", item.Cursor, "entity", item.Data.EntityID, "error", err)
			return i, err
		}
		metrics.IncSyncItem(string(ss.stream), metrics.ResultApplied)
	}
	return len(items), nil
}
