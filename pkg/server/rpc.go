package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lxzan/gws"

	"github.com/nodesync/nodesync/internal/codec"
	"github.com/nodesync/nodesync/pkg/connection"
	"github.com/nodesync/nodesync/pkg/constants"
	"github.com/nodesync/nodesync/pkg/models"
)

// rpcHandler implements gws.Event for authenticated sockets.
type rpcHandler struct {
	srv *Server
}

func sessionOf(socket *gws.Conn) (*session, bool) {
	v, ok := socket.Session().Load(sessionKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*session)
	return s, ok
}

func (h *rpcHandler) OnOpen(socket *gws.Conn) {
	s, ok := sessionOf(socket)
	if !ok {
		_ = socket.WriteClose(1008, []byte("no session"))
		return
	}
	h.srv.hub.add(s)
	h.srv.log.Debug("server.Server session opened", "device", s.identity.DeviceID, "workspace", s.identity.WorkspaceID)
}

func (h *rpcHandler) OnClose(socket *gws.Conn, err error) {
	s, ok := sessionOf(socket)
	if !ok {
		return
	}
	h.srv.hub.remove(s)
	h.srv.log.Debug("server.Server session closed", "device", s.identity.DeviceID, "error", err)
}

func (h *rpcHandler) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (h *rpcHandler) OnPong(*gws.Conn, []byte) {}

func (h *rpcHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	s, ok := sessionOf(socket)
	if !ok {
		return
	}

	var req connection.RPCRequest
	if err := codec.Unmarshal(message.Bytes(), &req); err != nil {
		h.srv.log.Debug("server.Server received undecodable frame", "device", s.identity.DeviceID, "error", err)
		return
	}

	result, rpcErr := h.srv.dispatch(context.Background(), s, &req)
	res := connection.RPCResponse[any]{ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		res.Result = &result
	}
	if err := s.write(res); err != nil {
		h.srv.log.Debug("server.Server failed to write response", "device", s.identity.DeviceID, "method", req.Method, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, req *connection.RPCRequest) (any, *connection.RPCError) {
	switch req.Method {
	case constants.MethodPing:
		return connection.PingResponse{Time: time.Now().UTC().Format(time.RFC3339Nano)}, nil
	case constants.MethodPull:
		var params connection.PullRequest
		if err := codec.Unmarshal(req.Params, &params); err != nil {
			return nil, badRequest(err)
		}
		return s.pull(ctx, sess, &params)
	case constants.MethodMutate:
		var params connection.MutateRequest
		if err := codec.Unmarshal(req.Params, &params); err != nil {
			return nil, badRequest(err)
		}
		return s.mutate(ctx, sess, &params)
	default:
		return nil, &connection.RPCError{Code: connection.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func badRequest(err error) *connection.RPCError {
	return &connection.RPCError{Code: connection.CodeBadRequest, Message: err.Error()}
}

func (s *Server) pull(ctx context.Context, sess *session, req *connection.PullRequest) (any, *connection.RPCError) {
	if req.Input.WorkspaceID != sess.identity.WorkspaceID {
		return nil, &connection.RPCError{Code: connection.CodeUnauthorized, Message: "workspace mismatch"}
	}
	if !req.StreamID.Valid() {
		return nil, badRequest(fmt.Errorf("unknown stream %q", req.StreamID))
	}

	key := sess.identity.DeviceID.String() + ":" + req.RequestID
	if !s.claim(key) {
		return nil, &connection.RPCError{Code: connection.CodeDuplicate, Message: constants.ErrDuplicateRequest.Error()}
	}
	defer s.inFlight.Set(key, false)

	limit := req.Limit
	if limit <= 0 || limit > s.pullLimit {
		limit = s.pullLimit
	}
	changes, err := s.feed.Pull(ctx, sess.identity.DeviceID, sess.identity.WorkspaceID, req.StreamID, req.Cursor, limit)
	if err != nil {
		if errors.Is(err, constants.ErrInvalidCursor) {
			return nil, badRequest(err)
		}
		s.log.Error("server.Server pull failed", "device", sess.identity.DeviceID, "stream", req.StreamID, "error", err)
		return nil, &connection.RPCError{Code: connection.CodeInternal, Message: "pull failed"}
	}

	res := connection.PullResponse{RequestID: req.RequestID, StreamID: req.StreamID, Items: make([]connection.PullItem, 0, len(changes))}
	for _, c := range changes {
		res.Items = append(res.Items, connection.PullItem{Cursor: c.Cursor(), Data: c.Item()})
	}
	return res, nil
}

// claim marks key in flight. It reports false while a request with the same
// key is still running.
func (s *Server) claim(key string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if busy, ok := s.inFlight.Load(key); ok && busy != nil && *busy {
		return false
	}
	s.inFlight.Set(key, true)
	return true
}

func (s *Server) mutate(ctx context.Context, sess *session, req *connection.MutateRequest) (any, *connection.RPCError) {
	if req.WorkspaceID != sess.identity.WorkspaceID {
		return nil, &connection.RPCError{Code: connection.CodeUnauthorized, Message: "workspace mismatch"}
	}

	res := connection.MutateResponse{Results: make([]models.MutationResult, 0, len(req.Mutations))}
	actor, status := s.processor.Authorize(ctx, sess.identity.AccountID, sess.identity.DeviceID, sess.identity.WorkspaceID)
	if status != models.StatusOK {
		for _, m := range req.Mutations {
			res.Results = append(res.Results, models.MutationResult{ID: m.ID, Status: status})
		}
		return res, nil
	}
	res.Results = s.processor.ProcessBatch(ctx, actor, req.Mutations)
	return res, nil
}
