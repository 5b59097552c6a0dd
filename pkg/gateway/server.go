// Package gateway exposes the runtime over a WebSocket transport: clients
// drive conversation agents with tagged commands and receive tagged events,
// including the intermediate stream of a running turn. Sessions survive
// disconnects and replay their recent events on reconnect.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dragonsden/den/pkg/agent"
	"github.com/dragonsden/den/pkg/logger"
	"github.com/dragonsden/den/pkg/prompt"
	"github.com/dragonsden/den/pkg/tools"
)

// ConversationAgent is what the gateway drives per connected agent id; the
// dragon satisfies it.
type ConversationAgent interface {
	RunTurn(ctx context.Context, input string) (string, error)
	Reset()
}

// AgentEnv is the session-side wiring handed to the factory: the listener
// and emitter stream the turn's intermediate output back to the session, and
// the broker carries this session's pending prompts.
type AgentEnv struct {
	Broker   *prompt.Broker
	Listener agent.Listener
	Emit     tools.Emitter
}

// AgentFactory builds the agent for a connect or reset command.
type AgentFactory func(cfg ConnectConfig, env AgentEnv) (ConversationAgent, error)

// Options configures the gateway server.
type Options struct {
	Host string
	Port int
	Path string

	Factory   AgentFactory
	Providers []ProviderDescriptor

	// WorkerBroker carries prompts raised by pipeline workers rather than by
	// a session's own conversation agents. Any connected client may answer
	// them with prompt_response.
	WorkerBroker *prompt.Broker

	SessionMessages int
	SessionLinger   time.Duration
}

// Server is the WebSocket gateway.
type Server struct {
	opts     Options
	sessions *sessionManager
	upgrader websocket.Upgrader

	mu      sync.Mutex
	server  *http.Server
	cancel  context.CancelFunc
	baseCtx context.Context
}

func NewServer(opts Options) *Server {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	return &Server{
		opts:     opts,
		sessions: newSessionManager(opts.SessionMessages, opts.SessionLinger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleWS)
	return mux
}

// Start begins listening. It returns immediately; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	s.mu.Lock()
	s.server = srv
	s.cancel = cancel
	s.baseCtx = runCtx
	s.mu.Unlock()

	logger.InfoCF("gateway", "listening", map[string]any{
		"addr": addr,
		"path": s.opts.Path,
	})
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("gateway", "server error", map[string]any{"error": err.Error()})
		}
	}()
	go s.gcLoop(runCtx)
	return nil
}

// Stop shuts the server down and drops all connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Sessions reports the number of live sessions, attached or lingering.
func (s *Server) Sessions() int {
	return s.sessions.len()
}

// Fulfill completes a pending prompt in any session. Used by non-websocket
// frontends (the local console) that share the server's sessions.
func (s *Server) Fulfill(sessionID, promptID, data string) bool {
	session, ok := s.sessions.get(sessionID)
	if !ok {
		return false
	}
	return session.Broker.Fulfill(promptID, data)
}

// Broadcast pushes an event into every live session, attached or lingering.
func (s *Server) Broadcast(e Event) {
	s.sessions.broadcast(e)
}

// WorkerEmitter returns the emitter handed to pipeline workers. Prompts and
// display output from workers are broadcast to every session, since no single
// client owns a pipeline turn.
func (s *Server) WorkerEmitter() tools.Emitter {
	return func(messageType string, payload map[string]any) {
		switch messageType {
		case "prompt":
			id, _ := payload["prompt_id"].(string)
			question, _ := payload["question"].(string)
			s.Broadcast(Event{Type: EventPrompt, PromptID: id, Content: question})
		case "display":
			text, _ := payload["text"].(string)
			s.Broadcast(Event{Type: EventStream, MessageType: StreamDisplay, Content: text})
		default:
			if text, ok := payload["text"].(string); ok {
				s.Broadcast(Event{Type: EventStream, MessageType: StreamInfo, Content: text})
			}
		}
	}
}

func (s *Server) turnContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Server) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sessions.sweep(now)
		}
	}
}

// connection is one live websocket attached to a session.
type connection struct {
	server  *Server
	session *Session
	ws      *websocket.Conn
	out     chan Event
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("gateway", "upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	session, existed := s.sessions.attach(sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	c := &connection{
		server:  s,
		session: session,
		ws:      ws,
		out:     make(chan Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	session.setSink(c.deliver)

	logger.InfoCF("gateway", "client connected", map[string]any{
		"session":   sessionID,
		"reconnect": existed,
		"remote":    r.RemoteAddr,
	})

	go c.writePump()
	if existed {
		for _, e := range session.replay() {
			c.deliver(e)
		}
	}
	c.readLoop()
}

// deliver queues an event for transmission. A full queue drops the event;
// the session history still has it for replay.
func (c *connection) deliver(e Event) {
	select {
	case c.out <- e:
	default:
		logger.WarnCF("gateway", "event dropped, send queue full", map[string]any{
			"session": c.session.ID,
			"type":    e.Type,
		})
	}
}

func (c *connection) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case e := <-c.out:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *connection) readLoop() {
	defer func() {
		c.cancel()
		c.ws.Close()
		c.session.setSink(nil)
		c.server.sessions.detach(c.session)
		logger.InfoCF("gateway", "client disconnected", map[string]any{
			"session": c.session.ID,
		})
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnCF("gateway", "read error", map[string]any{
					"session": c.session.ID,
					"error":   err.Error(),
				})
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.deliver(Event{Type: EventError, Error: "malformed command: " + err.Error()})
			continue
		}
		c.handle(cmd)
	}
}

func (c *connection) handle(cmd Command) {
	switch cmd.Command {
	case "list":
		c.deliver(Event{Type: EventSuccess, Providers: c.server.opts.Providers})
	case "connect":
		c.handleConnect(cmd)
	case "disconnect":
		c.handleDisconnect(cmd)
	case "reset":
		c.handleReset(cmd)
	case "send":
		c.handleSend(cmd)
	case "prompt_response":
		c.handlePromptResponse(cmd)
	default:
		c.deliver(Event{Type: EventError, Error: fmt.Sprintf("unknown command %q", cmd.Command)})
	}
}

func (c *connection) handleConnect(cmd Command) {
	if cmd.AgentID == "" || cmd.Config == nil {
		c.deliver(Event{Type: EventError, Error: "connect requires agent_id and config"})
		return
	}
	if _, ok := c.session.agent(cmd.AgentID); ok {
		c.deliver(Event{Type: EventError, AgentID: cmd.AgentID, Error: "agent already connected"})
		return
	}
	a, err := c.buildAgent(cmd.AgentID, *cmd.Config)
	if err != nil {
		c.deliver(Event{Type: EventError, AgentID: cmd.AgentID, Error: err.Error()})
		return
	}
	c.session.putAgent(cmd.AgentID, a)
	c.deliver(Event{Type: EventSuccess, AgentID: cmd.AgentID})
}

func (c *connection) handleDisconnect(cmd Command) {
	if !c.session.dropAgent(cmd.AgentID) {
		c.deliver(Event{Type: EventError, AgentID: cmd.AgentID, Error: "no such agent"})
		return
	}
	// Pending prompts will never be answered by a disposed agent's user flow.
	c.session.Broker.CancelAll()
	c.deliver(Event{Type: EventDisconnected, AgentID: cmd.AgentID})
}

func (c *connection) handleReset(cmd Command) {
	if cmd.AgentID == "" || cmd.Config == nil {
		c.deliver(Event{Type: EventError, Error: "reset requires agent_id and config"})
		return
	}
	if _, ok := c.session.agent(cmd.AgentID); !ok {
		c.deliver(Event{Type: EventError, AgentID: cmd.AgentID, Error: "no such agent"})
		return
	}
	a, err := c.buildAgent(cmd.AgentID, *cmd.Config)
	if err != nil {
		c.deliver(Event{Type: EventError, AgentID: cmd.AgentID, Error: err.Error()})
		return
	}
	c.session.putAgent(cmd.AgentID, a)
	c.deliver(Event{Type: EventReset, AgentID: cmd.AgentID})
}

func (c *connection) handleSend(cmd Command) {
	a, ok := c.session.agent(cmd.AgentID)
	if !ok {
		c.deliver(Event{Type: EventError, AgentID: cmd.AgentID, Error: "no such agent"})
		return
	}
	if strings.TrimSpace(cmd.Data) == "" {
		c.deliver(Event{Type: EventError, AgentID: cmd.AgentID, Error: "send requires data"})
		return
	}

	c.deliver(Event{Type: EventProcessing, AgentID: cmd.AgentID})
	// The turn runs against the server's lifetime, not the connection's: a
	// client that drops mid-turn finds the outcome in the replay buffer.
	session, agentID, ctx := c.session, cmd.AgentID, c.server.turnContext()
	go func() {
		answer, err := a.RunTurn(ctx, cmd.Data)
		if err != nil {
			session.push(Event{Type: EventError, AgentID: agentID, Error: err.Error()})
			return
		}
		session.push(Event{Type: EventCompleted, AgentID: agentID, Content: answer})
	}()
}

func (c *connection) handlePromptResponse(cmd Command) {
	if cmd.PromptID == "" {
		c.deliver(Event{Type: EventError, Error: "prompt_response requires prompt_id"})
		return
	}
	if !c.session.Broker.Fulfill(cmd.PromptID, cmd.Data) {
		// Not one of this session's prompts; it may belong to a pipeline
		// worker.
		wb := c.server.opts.WorkerBroker
		if wb == nil || !wb.Fulfill(cmd.PromptID, cmd.Data) {
			c.deliver(Event{Type: EventError, PromptID: cmd.PromptID, Error: "no pending prompt with that id"})
			return
		}
	}
	c.deliver(Event{Type: EventSuccess, PromptID: cmd.PromptID})
}

// buildAgent constructs the agent with a listener and emitter bound to the
// session, not the connection, so streams survive reconnects.
func (c *connection) buildAgent(agentID string, cfg ConnectConfig) (ConversationAgent, error) {
	if c.server.opts.Factory == nil {
		return nil, fmt.Errorf("no agent factory configured")
	}
	session := c.session

	listener := func(e agent.Event) {
		switch e.Type {
		case agent.EventToolCall:
			if d, ok := e.Data.(agent.ToolCallData); ok {
				session.push(Event{Type: EventStream, AgentID: agentID, MessageType: StreamToolCall, Content: d.Name})
			}
		case agent.EventToolResult:
			if d, ok := e.Data.(agent.ToolResultData); ok {
				mt := StreamToolResult
				if d.IsError {
					mt = StreamWarning
				}
				session.push(Event{Type: EventStream, AgentID: agentID, MessageType: mt, Content: d.Result})
			}
		case agent.EventAssistant:
			if d, ok := e.Data.(agent.AssistantData); ok {
				session.push(Event{Type: EventStream, AgentID: agentID, MessageType: StreamAssistant, Content: d.Content})
			}
		case agent.EventError:
			if d, ok := e.Data.(agent.ErrorData); ok {
				session.push(Event{Type: EventStream, AgentID: agentID, MessageType: StreamError, Content: d.Err.Error()})
			}
		}
	}

	emit := func(messageType string, payload map[string]any) {
		switch messageType {
		case "prompt":
			id, _ := payload["prompt_id"].(string)
			question, _ := payload["question"].(string)
			session.push(Event{Type: EventPrompt, AgentID: agentID, PromptID: id, Content: question})
		case "display":
			text, _ := payload["text"].(string)
			session.push(Event{Type: EventStream, AgentID: agentID, MessageType: StreamDisplay, Content: text})
		default:
			if text, ok := payload["text"].(string); ok {
				session.push(Event{Type: EventStream, AgentID: agentID, MessageType: StreamInfo, Content: text})
			}
		}
	}

	return c.server.opts.Factory(cfg, AgentEnv{
		Broker:   session.Broker,
		Listener: listener,
		Emit:     emit,
	})
}
