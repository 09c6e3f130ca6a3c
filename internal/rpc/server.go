// Package rpc provides the JSON-RPC 2.0 control surface of the swap
// daemon, plus a WebSocket feed of swap lifecycle events.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/moneroswap/swapd/internal/backend"
	"github.com/moneroswap/swapd/internal/discovery"
	"github.com/moneroswap/swapd/internal/node"
	"github.com/moneroswap/swapd/internal/swap"
	"github.com/moneroswap/swapd/internal/wallet"
	"github.com/moneroswap/swapd/pkg/logging"
)

// Server is a JSON-RPC 2.0 server over the swap engine.
type Server struct {
	node      *node.Node
	executor  *swap.Executor
	discovery *discovery.Discovery
	wallet    *wallet.Service
	backend   backend.Backend
	hub       *WSHub
	log       *logging.Logger

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Node      *node.Node
	Executor  *swap.Executor
	Discovery *discovery.Discovery
	Wallet    *wallet.Service
	Backend   backend.Backend
	Hub       *WSHub // optional; created if nil
}

// NewServer creates the RPC server and registers all method handlers.
func NewServer(cfg *ServerConfig) *Server {
	hub := cfg.Hub
	if hub == nil {
		hub = NewWSHub()
	}
	s := &Server{
		node:      cfg.Node,
		executor:  cfg.Executor,
		discovery: cfg.Discovery,
		wallet:    cfg.Wallet,
		backend:   cfg.Backend,
		hub:       hub,
		log:       logging.GetDefault().Component("rpc"),
		handlers:  make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

// Hub returns the WebSocket hub, for wiring executor callbacks.
func (s *Server) Hub() *WSHub {
	return s.hub
}

func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo
	s.handlers["node_peers"] = s.nodePeers

	// Provider discovery
	s.handlers["providers_discover"] = s.providersDiscover
	s.handlers["providers_quote"] = s.providersQuote

	// Swap lifecycle
	s.handlers["swap_quote"] = s.swapQuote
	s.handlers["swap_execute"] = s.swapExecute
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_get"] = s.swapGet
	s.handlers["swap_delete"] = s.swapDelete
	s.handlers["swap_refund"] = s.swapRefund
	s.handlers["swap_resume"] = s.swapResume
	s.handlers["swap_resumeAll"] = s.swapResumeAll

	// Wallet methods
	s.handlers["wallet_depositAddress"] = s.walletDepositAddress
	s.handlers["wallet_utxos"] = s.walletUTXOs
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "err", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	})
}

func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers so browser and Electron clients can
// reach the daemon.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
