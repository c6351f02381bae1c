package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"clearhub/core/types"
)

const wsWriteTimeout = 10 * time.Second

// session is one persistent client connection. It carries the authentication
// state for the connection and forwards the participant's async events once
// the session is authenticated.
type session struct {
	server *Server
	conn   *websocket.Conn
	remote string

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	address   string
	challenge string
	cancelSub func()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	sess := &session{
		server: s,
		conn:   conn,
		remote: remoteIP(r),
	}
	defer sess.close()

	if err := sess.run(r.Context()); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "session error")
		}
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session closed")
}

func (sess *session) run(ctx context.Context) error {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			return err
		}
		resp := sess.server.dispatch(ctx, sess, data)
		if resp == nil {
			continue
		}
		if err := sess.write(ctx, resp); err != nil {
			return err
		}
	}
}

// forward pushes bus events to the client as JSON-RPC notifications until the
// subscription is cancelled.
func (sess *session) forward(ctx context.Context, updates <-chan *types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-updates:
			if !ok {
				return
			}
			notification := struct {
				JSONRPC string            `json:"jsonrpc"`
				Method  string            `json:"method"`
				Params  map[string]string `json:"params"`
			}{jsonRPCVersion, evt.Type, evt.Attributes}
			if err := sess.write(ctx, notification); err != nil {
				return
			}
		}
	}
}

func (sess *session) write(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return sess.conn.Write(writeCtx, websocket.MessageText, data)
}

func (sess *session) close() {
	sess.mu.Lock()
	cancel := sess.cancelSub
	sess.cancelSub = nil
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// authenticatedAddress returns the participant bound to the session, or ""
// before a successful auth_response.
func (sess *session) authenticatedAddress() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.address
}

// dispatch parses and routes one inbound frame. Malformed requests map to
// protocol errors; application failures map to structured error responses.
func (s *Server) dispatch(ctx context.Context, sess *session, data []byte) *RPCResponse {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(nil, codeParseError, "failed to parse request")
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "invalid JSON-RPC request")
	}

	switch req.Method {
	case "get_info":
		return s.handleGetInfo(req)
	case "auth_request":
		return s.handleAuthRequest(sess, req)
	case "auth_response":
		return s.handleAuthResponse(ctx, sess, req)
	case "channel_create":
		return s.handleChannelCreate(sess, req)
	case "transfer":
		if !s.limiter(sess.remote).Allow() {
			return errorResponse(req.ID, codeRateLimited, "transfer rate limit exceeded")
		}
		return s.handleTransfer(ctx, sess, req)
	case "channel_close":
		return s.handleChannelClose(sess, req)
	case "channel_payments":
		return s.handleChannelPayments(sess, req)
	case "settlement_status":
		return s.handleSettlementStatus(sess, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}
