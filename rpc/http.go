package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"clearhub/core"
	"clearhub/native/settlement"
)

// Version is reported by get_info.
const Version = "0.1.0"

const (
	jsonRPCVersion  = "2.0"
	maxMessageBytes = 1 << 20 // 1 MiB

	transferRatePerSecond = 20
	transferBurst         = 40
)

const (
	codeParseError       = -32700
	codeInvalidRequest   = -32600
	codeMethodNotFound   = -32601
	codeInvalidParams    = -32602
	codeUnauthorized     = -32001
	codeServerError      = -32000
	codeDuplicateChannel = -32010
	codeRateLimited      = -32020
)

// Server terminates the clearing-hub wire protocol: JSON-RPC 2.0 requests and
// async push events over a persistent websocket, plus health and metrics
// endpoints.
type Server struct {
	node        *core.Node
	coordinator *settlement.Coordinator
	log         *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer wires the RPC surface over a hub node. The coordinator may be nil
// when settlement queries are not exposed.
func NewServer(node *core.Node, coordinator *settlement.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:        node,
		coordinator: coordinator,
		log:         logger.With(slog.String("component", "rpc")),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Router mounts the websocket endpoint next to health and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)
	return r
}

// Start serves until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Router(), "clearhub-rpc"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("rpc server listening", slog.String("addr", addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// RPCRequest is the JSON-RPC 2.0 request envelope. Params carry a single
// object element; loosely-typed parameter bags are rejected during binding.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a structured error response.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func errorResponse(id json.RawMessage, code int, message string) *RPCResponse {
	return &RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

func resultResponse(id json.RawMessage, result interface{}) *RPCResponse {
	return &RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

// limiter returns the per-client transfer limiter, creating it on first use.
func (s *Server) limiter(client string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[client]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(transferRatePerSecond), transferBurst)
		s.limiters[client] = lim
	}
	return lim
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
