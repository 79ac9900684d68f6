// Package gateway exposes the overseer over JSON-RPC 2.0 framed on a
// WebSocket, plus HTTP health and metrics endpoints. It is the only
// wire surface; external dashboards and channel bridges speak to the
// overseer exclusively through it or through the notify bus topics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/model"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/overseer"
	"github.com/basket/overseer/internal/shared"
	"github.com/basket/overseer/internal/store"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy mapped from the overseer sentinels.
	ErrCodeInvalid      = 1000
	ErrCodeNotFound     = 1001
	ErrCodeInvalidState = 1002
)

type Config struct {
	Overseer *overseer.Overseer
	Store    *store.Store
	Bus      *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in
	// system.status so clients can detect live reloads.
	ConfigFingerprint string

	Logger  *slog.Logger
	Metrics *otelpkg.Metrics
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	start  time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool

	// Goal subscriptions for overseer.events.subscribe.
	subMu     sync.Mutex
	subGoals  map[string]bool
	subAll    bool
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		start:   time.Now(),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	counts, err := s.counts()
	payload := map[string]any{
		"healthy":             err == nil,
		"store_ok":            err == nil,
		"goals":               counts.goals,
		"open_assignments":    counts.openAssignments,
		"stalled_assignments": counts.stalledAssignments,
		"uptime_seconds":      int64(time.Since(s.start).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type storeCounts struct {
	goals              int
	goalsByStatus      map[model.GoalStatus]int
	openAssignments    int
	stalledAssignments int
	crystallizations   int
	events             int
}

func (s *Server) counts() (storeCounts, error) {
	c := storeCounts{goalsByStatus: map[model.GoalStatus]int{}}
	err := s.cfg.Store.View(func(st *store.State) {
		c.goals = len(st.Goals)
		for _, g := range st.Goals {
			c.goalsByStatus[g.Status]++
		}
		for _, a := range st.Assignments {
			if !a.Status.Terminal() {
				c.openAssignments++
			}
			if a.Status == model.AssignmentStatusStalled {
				c.stalledAssignments++
			}
		}
		c.crystallizations = len(st.Crystallizations)
		c.events = len(st.Events)
	})
	return c, err
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	counts, err := s.counts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP overseer_goals Total goals by status.\n")
	fmt.Fprintf(w, "# TYPE overseer_goals gauge\n")
	for _, status := range []model.GoalStatus{
		model.GoalStatusProposed, model.GoalStatusActive, model.GoalStatusBlocked,
		model.GoalStatusCompleted, model.GoalStatusAbandoned,
	} {
		fmt.Fprintf(w, "overseer_goals{status=%q} %d\n", status, counts.goalsByStatus[status])
	}
	fmt.Fprintf(w, "# HELP overseer_assignments_open Currently open assignments.\n")
	fmt.Fprintf(w, "# TYPE overseer_assignments_open gauge\n")
	fmt.Fprintf(w, "overseer_assignments_open %d\n", counts.openAssignments)
	fmt.Fprintf(w, "# HELP overseer_assignments_stalled Assignments currently stalled.\n")
	fmt.Fprintf(w, "# TYPE overseer_assignments_stalled gauge\n")
	fmt.Fprintf(w, "overseer_assignments_stalled %d\n", counts.stalledAssignments)
	fmt.Fprintf(w, "# HELP overseer_crystallizations_total Crystallizations recorded.\n")
	fmt.Fprintf(w, "# TYPE overseer_crystallizations_total counter\n")
	fmt.Fprintf(w, "overseer_crystallizations_total %d\n", counts.crystallizations)
	fmt.Fprintf(w, "# HELP overseer_events_retained Events retained in the snapshot.\n")
	fmt.Fprintf(w, "# TYPE overseer_events_retained gauge\n")
	fmt.Fprintf(w, "overseer_events_retained %d\n", counts.events)
	fmt.Fprintf(w, "# HELP overseer_connected_clients Connected WebSocket clients.\n")
	fmt.Fprintf(w, "# TYPE overseer_connected_clients gauge\n")
	s.clientsMu.RLock()
	fmt.Fprintf(w, "overseer_connected_clients %d\n", len(s.clients))
	s.clientsMu.RUnlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			s.logger.Debug("ws: read error, closing", "error", err)
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func isMutatingMethod(method string) bool {
	switch method {
	case "overseer.goal.create", "overseer.goal.update", "overseer.plan.attach",
		"overseer.dispatch", "overseer.redispatch", "overseer.work.update",
		"overseer.crystallize", "overseer.assignment.cancel", "overseer.activity",
		"overseer.tick":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	start := time.Now()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	result, rpcErr := s.dispatchMethod(ctx, c, req)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
	}
	if rpcErr != nil {
		s.logger.Warn("ws: request failed",
			"method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message,
			"trace_id", shared.TraceID(ctx))
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// appError maps the overseer error taxonomy onto wire codes. Anything
// outside the taxonomy is internal.
func appError(err error) *rpcError {
	switch {
	case errors.Is(err, overseer.ErrNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, overseer.ErrInvalidArgument):
		return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	case errors.Is(err, overseer.ErrInvalidState):
		return &rpcError{Code: ErrCodeInvalidState, Message: err.Error()}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// NotifyShutdown tells every connected client the daemon is going
// away, so dashboards can surface a reconnect banner instead of a
// silently dead socket. Called before the HTTP server drains.
func (s *Server) NotifyShutdown() {
	s.broadcast("system.shutdown", map[string]any{"ts": time.Now().UnixMilli()})
}

func (s *Server) broadcast(method string, params any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.logger.Error("ws: broadcast write error", "method", method, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// subscribeClientToGoal registers a client for live bus event push. An
// empty goal id subscribes to everything. The bus listener goroutine
// starts on the first subscription.
func (s *Server) subscribeClientToGoal(c *client, goalID string) {
	if s.cfg.Bus == nil {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if goalID == "" {
		c.subAll = true
	} else {
		if c.subGoals == nil {
			c.subGoals = make(map[string]bool)
		}
		c.subGoals[goalID] = true
	}

	if c.busSub == nil {
		// Empty prefix matches every topic.
		c.busSub = s.cfg.Bus.Subscribe("")
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardBusEvents(busCtx, c)
	}
}

// forwardBusEvents pushes bus events matching the client's goal
// subscriptions as overseer.event notifications.
func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			goalID := goalIDOf(ev.Payload)
			c.subMu.Lock()
			wanted := c.subAll || (goalID != "" && c.subGoals[goalID])
			c.subMu.Unlock()
			if !wanted {
				continue
			}
			_ = c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "overseer.event",
				Params: map[string]any{
					"topic":   ev.Topic,
					"goal_id": goalID,
					"payload": ev.Payload,
				},
			})
		}
	}
}

func goalIDOf(payload any) string {
	switch p := payload.(type) {
	case bus.GoalEvent:
		return p.GoalID
	case bus.AssignmentEvent:
		return p.GoalID
	case bus.WorkEvent:
		return p.GoalID
	case bus.Notification:
		return p.GoalID
	default:
		return ""
	}
}
