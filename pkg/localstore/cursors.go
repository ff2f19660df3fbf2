package localstore

import (
	"time"

	"github.com/nodesync/nodesync/pkg/models"
)

// GetCursor returns the persisted cursor of a stream, or the empty cursor
// when the stream has never advanced.
func (t *Tx) GetCursor(streamKey string) (string, error) {
	var c models.Cursor
	err := t.get(bucketCursors, streamKey, &c)
	if IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

// PutCursor upserts the cursor of a stream.
func (t *Tx) PutCursor(streamKey, value string, now time.Time) error {
	var c models.Cursor
	err := t.get(bucketCursors, streamKey, &c)
	switch {
	case IsNotFound(err):
		c = models.Cursor{StreamKey: streamKey, CreatedAt: now}
	case err != nil:
		return err
	}
	c.Value = value
	c.UpdatedAt = now
	return t.put(bucketCursors, streamKey, &c)
}

// ListCursors returns every persisted cursor.
func (t *Tx) ListCursors() ([]models.Cursor, error) {
	var out []models.Cursor
	err := forEach(t, bucketCursors, "", func(_ string, c *models.Cursor) error {
		out = append(out, *c)
		return nil
	})
	return out, err
}

// DeleteCursor forgets a stream position so the next pull starts from the
// beginning of the log.
func (t *Tx) DeleteCursor(streamKey string) error {
	return t.delete(bucketCursors, streamKey)
}

// GetMeta reads a small value kept alongside the replica, such as the
// identity the store was provisioned for.
func (t *Tx) GetMeta(key string, dst any) error {
	return t.get(bucketMeta, key, dst)
}

func (t *Tx) PutMeta(key string, v any) error {
	return t.put(bucketMeta, key, v)
}
