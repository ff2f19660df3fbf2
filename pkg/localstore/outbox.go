package localstore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nodesync/nodesync/pkg/models"
)

// OutboxEntry is a mutation waiting to be acknowledged by the server.
type OutboxEntry struct {
	Seq        uint64          `cbor:"seq"`
	Mutation   models.Mutation `cbor:"mutation"`
	TargetID   models.NodeID   `cbor:"targetId"`
	Attempts   int             `cbor:"attempts"`
	LastStatus models.Status   `cbor:"lastStatus,omitempty"`
	EnqueuedAt time.Time       `cbor:"enqueuedAt"`
}

// RejectedEntry is an outbox entry the server refused for good.
type RejectedEntry struct {
	OutboxEntry
	Status     models.Status `cbor:"status"`
	RejectedAt time.Time     `cbor:"rejectedAt"`
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// AppendOutbox stores m at the end of the outbox.
func (t *Tx) AppendOutbox(m models.Mutation, target models.NodeID, now time.Time) (*OutboxEntry, error) {
	outbox, err := t.bucket(bucketOutbox)
	if err != nil {
		return nil, err
	}
	index, err := t.bucket(bucketOutboxIndex)
	if err != nil {
		return nil, err
	}
	if index.Get([]byte(m.ID)) != nil {
		return nil, fmt.Errorf("mutation %s is already queued", m.ID)
	}

	seq, err := outbox.NextSequence()
	if err != nil {
		return nil, err
	}
	entry := &OutboxEntry{Seq: seq, Mutation: m, TargetID: target, EnqueuedAt: now}
	if err := t.putOutbox(entry); err != nil {
		return nil, err
	}
	if err := index.Put([]byte(m.ID), seqKey(seq)); err != nil {
		return nil, err
	}
	return entry, nil
}

func (t *Tx) putOutbox(e *OutboxEntry) error {
	b, err := t.bucket(bucketOutbox)
	if err != nil {
		return err
	}
	data, err := marshal(e)
	if err != nil {
		return err
	}
	return b.Put(seqKey(e.Seq), data)
}

// PeekOutbox returns up to limit entries in enqueue order.
func (t *Tx) PeekOutbox(limit int) ([]*OutboxEntry, error) {
	b, err := t.bucket(bucketOutbox)
	if err != nil {
		return nil, err
	}
	out := []*OutboxEntry{}
	c := b.Cursor()
	for k, data := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, data = c.Next() {
		var e OutboxEntry
		if err := unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode outbox entry %d: %w", binary.BigEndian.Uint64(k), err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// GetOutbox returns the queued entry of a mutation.
func (t *Tx) GetOutbox(id models.MutationID) (*OutboxEntry, error) {
	index, err := t.bucket(bucketOutboxIndex)
	if err != nil {
		return nil, err
	}
	key := index.Get([]byte(id))
	if key == nil {
		return nil, ErrNotFound
	}
	outbox, err := t.bucket(bucketOutbox)
	if err != nil {
		return nil, err
	}
	data := outbox.Get(key)
	if data == nil {
		return nil, ErrNotFound
	}
	var e OutboxEntry
	if err := unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateOutbox rewrites an existing entry in place, keeping its position.
func (t *Tx) UpdateOutbox(e *OutboxEntry) error {
	if _, err := t.GetOutbox(e.Mutation.ID); err != nil {
		return err
	}
	return t.putOutbox(e)
}

// DropOutbox removes the entries of the given mutation ids. Unknown ids are
// ignored.
func (t *Tx) DropOutbox(ids ...models.MutationID) error {
	outbox, err := t.bucket(bucketOutbox)
	if err != nil {
		return err
	}
	index, err := t.bucket(bucketOutboxIndex)
	if err != nil {
		return err
	}
	for _, id := range ids {
		key := index.Get([]byte(id))
		if key == nil {
			continue
		}
		if err := outbox.Delete(key); err != nil {
			return err
		}
		if err := index.Delete([]byte(id)); err != nil {
			return err
		}
	}
	return nil
}

// OutboxLen returns the number of queued entries.
func (t *Tx) OutboxLen() (int, error) {
	b, err := t.bucket(bucketOutbox)
	if err != nil {
		return 0, err
	}
	return b.Stats().KeyN, nil
}

// RejectOutbox moves an entry to the rejected bucket.
func (t *Tx) RejectOutbox(e *OutboxEntry, status models.Status, now time.Time) error {
	if err := t.DropOutbox(e.Mutation.ID); err != nil {
		return err
	}
	return t.put(bucketRejected, string(e.Mutation.ID), &RejectedEntry{
		OutboxEntry: *e,
		Status:      status,
		RejectedAt:  now,
	})
}

// ListRejected returns every rejected entry.
func (t *Tx) ListRejected() ([]*RejectedEntry, error) {
	out := []*RejectedEntry{}
	err := forEach(t, bucketRejected, "", func(_ string, r *RejectedEntry) error {
		out = append(out, r)
		return nil
	})
	return out, err
}
