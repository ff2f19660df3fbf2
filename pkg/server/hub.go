package server

import (
	"context"
	"errors"
	"sync"

	"github.com/lxzan/gws"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/auth"
	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/fanout"
	"github.com/nodesync/nodesync/pkg/metrics"
	"github.com/nodesync/nodesync/pkg/models"
)

// session is one authenticated socket.
type session struct {
	conn     *gws.Conn
	identity auth.Identity
	mu       sync.Mutex
}

func (s *session) write(v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(gws.OpcodeBinary, data)
}

// Hub tracks the open sessions of every device. It implements fanout.Hub.
type Hub struct {
	mu       sync.RWMutex
	sessions map[models.DeviceID]map[*session]struct{}
}

var _ fanout.Hub = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{sessions: map[models.DeviceID]map[*session]struct{}{}}
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[s.identity.DeviceID]
	if !ok {
		set = map[*session]struct{}{}
		h.sessions[s.identity.DeviceID] = set
	}
	set[s] = struct{}{}
	metrics.SetConnectedDevices(len(h.sessions))
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.identity.DeviceID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.identity.DeviceID)
	}
	metrics.SetConnectedDevices(len(h.sessions))
}

func (h *Hub) Connected(deviceID models.DeviceID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[deviceID]) > 0
}

// Len returns the number of connected devices.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Notify pushes a hint frame to every session of a device. It fails when the
// device has no session in the hint's workspace or every write failed.
func (h *Hub) Notify(_ context.Context, deviceID models.DeviceID, hint fanout.Hint) error {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions[deviceID]))
	for s := range h.sessions[deviceID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return constants.ErrNotConnected
	}

	n := any(connection.Notification{Stream: hint.Stream, WorkspaceID: hint.WorkspaceID, Cursor: hint.Cursor})
	frame := connection.RPCResponse[any]{Result: &n}

	var errs []error
	sent := false
	for _, s := range targets {
		if s.identity.WorkspaceID != hint.WorkspaceID {
			continue
		}
		if err := s.write(frame); err != nil {
			errs = append(errs, err)
			continue
		}
		sent = true
	}
	if sent {
		return nil
	}
	if len(errs) == 0 {
		return constants.ErrNotConnected
	}
	return errors.Join(errs...)
}
