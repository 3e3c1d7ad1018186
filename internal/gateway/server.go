// Package gateway is the control-plane surface: a WebSocket endpoint that
// streams lifecycle events (session:start, session:reset,
// session:compacted, agent:reply, run:blocked, agent run events) to
// observers and answers a small set of RPC methods for status and
// session management. The core never depends on event delivery here for
// correctness.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/reliability"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// Server is the gateway control-plane server.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	agents   *agent.Router
	sessions store.SessionStore
	sched    *scheduler.Scheduler
	rel      *reliability.Registry

	upgrader websocket.Upgrader
	clients  map[string]*client
	mu       sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewServer creates a gateway server. sched and rel are optional; the
// status method degrades gracefully without them.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, agents *agent.Router, sess store.SessionStore, sched *scheduler.Scheduler, rel *reliability.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		agents:   agents,
		sessions: sess,
		sched:    sched,
		rel:      rel,
		clients:  make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the WebSocket Origin header against the allowed
// origins whitelist. No config = allow all; empty Origin (non-browser
// clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux. Call before Start() when the
// mux is needed for additional listeners (e.g. the tsnet listener).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start begins serving and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg.Gateway.Token; token != "" {
		got := r.Header.Get("Authorization")
		if got != "Bearer "+token && r.URL.Query().Get("token") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString()[:8], conn: conn}
	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameRequest {
			continue
		}
		resp := s.dispatch(r.Context(), &req)
		c.send(resp)
	}
}

// dispatch answers one RPC request.
func (s *Server) dispatch(ctx context.Context, req *protocol.RequestFrame) interface{} {
	switch req.Method {
	case protocol.MethodHealth, protocol.MethodConnect:
		return protocol.OKResponse(req.ID, map[string]interface{}{
			"status":   "ok",
			"protocol": protocol.ProtocolVersion,
		})

	case protocol.MethodStatus:
		return protocol.OKResponse(req.ID, s.statusSnapshot())

	case protocol.MethodAgentsList:
		return protocol.OKResponse(req.ID, s.agents.List())

	case protocol.MethodSessionsList:
		var params struct {
			AgentID string `json:"agentId"`
		}
		json.Unmarshal(req.Params, &params)
		return protocol.OKResponse(req.ID, s.sessions.List(params.AgentID))

	case protocol.MethodSessionsReset:
		var params struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
			return protocol.ErrResponse(req.ID, "key is required")
		}
		fresh := s.sessions.Reset(params.Key)
		s.eventPub.Broadcast(bus.Event{Name: protocol.EventSessionReset, Payload: map[string]interface{}{
			"sessionKey": params.Key,
			"sessionId":  fresh.SessionID,
			"reason":     "operator",
		}})
		return protocol.OKResponse(req.ID, map[string]string{"sessionId": fresh.SessionID})

	case protocol.MethodSessionsDelete:
		var params struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
			return protocol.ErrResponse(req.ID, "key is required")
		}
		if err := s.sessions.Delete(params.Key); err != nil {
			return protocol.ErrResponse(req.ID, err.Error())
		}
		return protocol.OKResponse(req.ID, map[string]bool{"deleted": true})

	case protocol.MethodChatAbort:
		var params struct {
			SessionKey string `json:"sessionKey"`
			All        bool   `json:"all"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
			return protocol.ErrResponse(req.ID, "sessionKey is required")
		}
		if s.sched == nil {
			return protocol.ErrResponse(req.ID, "scheduler unavailable")
		}
		var cancelled bool
		if params.All {
			cancelled = s.sched.CancelSession(params.SessionKey)
		} else {
			cancelled = s.sched.CancelOneSession(params.SessionKey)
		}
		return protocol.OKResponse(req.ID, map[string]bool{"cancelled": cancelled})

	case protocol.MethodChatSend:
		var params struct {
			AgentID string `json:"agentId"`
			ChatID  string `json:"chatId"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == "" {
			return protocol.ErrResponse(req.ID, "message is required")
		}
		if params.ChatID == "" {
			params.ChatID = "ws"
		}
		if mr, ok := s.eventPub.(bus.MessageRouter); ok {
			mr.PublishInbound(bus.InboundMessage{
				Channel:  "ws",
				SenderID: "ws",
				ChatID:   params.ChatID,
				Content:  params.Message,
				AgentID:  params.AgentID,
				PeerKind: "direct",
			})
			return protocol.OKResponse(req.ID, map[string]bool{"accepted": true})
		}
		return protocol.ErrResponse(req.ID, "inbound routing unavailable")

	default:
		return protocol.ErrResponse(req.ID, "unknown method: "+req.Method)
	}
}

// statusSnapshot reports breaker states and session counts for the
// status method and dashboards.
func (s *Server) statusSnapshot() map[string]interface{} {
	snapshot := map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"agents":   s.agents.List(),
		"sessions": len(s.sessions.List("")),
	}
	if s.rel != nil {
		snapshot["breakers"] = s.rel.Snapshot()
	}
	return snapshot
}

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.send(event)
	}
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	// Forward bus events to this client (skip internal cache events).
	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if strings.HasPrefix(event.Name, "cache.") {
			return
		}
		c.send(*protocol.NewEvent(event.Name, event.Payload))
	})

	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.eventPub.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id)
}

func (c *client) send(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("ws write failed", "client", c.id, "error", err)
	}
}
