package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonsden/den/pkg/agent"
	"github.com/dragonsden/den/pkg/prompt"
)

// scriptedAgent answers every turn with a fixed reply, optionally asking the
// user a question through the session broker first.
type scriptedAgent struct {
	env    AgentEnv
	reply  string
	ask    bool
	askTTL time.Duration
}

func (a *scriptedAgent) RunTurn(ctx context.Context, input string) (string, error) {
	if a.env.Listener != nil {
		a.env.Listener(agent.Event{Type: agent.EventAssistant, Data: agent.AssistantData{Content: a.reply}})
	}
	if a.ask {
		id := "prompt-1"
		ch := a.env.Broker.Register(id)
		a.env.Emit("prompt", map[string]any{"prompt_id": id, "question": "proceed?"})
		ttl := a.askTTL
		if ttl <= 0 {
			ttl = 5 * time.Second
		}
		answer, err := a.env.Broker.Wait(ctx, id, ch, ttl)
		if err != nil {
			return "no answer: " + err.Error(), nil
		}
		return a.reply + " " + answer, nil
	}
	return a.reply, nil
}

func (a *scriptedAgent) Reset() {}

func testServer(t *testing.T, ask bool, askTTL time.Duration) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(Options{
		Path: "/ws",
		Providers: []ProviderDescriptor{
			{Name: "anthropic", Type: "anthropic", Model: "claude-sonnet-4-5"},
			{Name: "local", Type: "openai", Model: "qwen3"},
		},
		Factory: func(cfg ConnectConfig, env AgentEnv) (ConversationAgent, error) {
			if cfg.Provider == "" {
				return nil, fmt.Errorf("provider is required")
			}
			return &scriptedAgent{env: env, reply: "done", ask: ask, askTTL: askTTL}, nil
		},
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if sessionID != "" {
		url += "?session_id=" + sessionID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd Command) {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// waitFor reads events until one satisfies the predicate.
func waitFor(t *testing.T, conn *websocket.Conn, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", what)
		var e Event
		require.NoError(t, json.Unmarshal(data, &e))
		if match(e) {
			return e
		}
	}
	t.Fatalf("no %s event before deadline", what)
	return Event{}
}

func connectAgent(t *testing.T, conn *websocket.Conn, agentID string) {
	t.Helper()
	send(t, conn, Command{Command: "connect", AgentID: agentID, Config: &ConnectConfig{Provider: "anthropic"}})
	waitFor(t, conn, "connect success", func(e Event) bool {
		return e.Type == EventSuccess && e.AgentID == agentID
	})
}

func TestListProviders(t *testing.T) {
	_, ts := testServer(t, false, 0)
	conn := dial(t, ts, "")

	send(t, conn, Command{Command: "list"})
	e := waitFor(t, conn, "list", func(e Event) bool { return e.Type == EventSuccess })
	require.Len(t, e.Providers, 2)
	assert.Equal(t, "anthropic", e.Providers[0].Name)
}

func TestConnectSendCompleted(t *testing.T) {
	_, ts := testServer(t, false, 0)
	conn := dial(t, ts, "")
	connectAgent(t, conn, "main")

	send(t, conn, Command{Command: "send", AgentID: "main", Data: "hello"})
	waitFor(t, conn, "processing", func(e Event) bool { return e.Type == EventProcessing })
	stream := waitFor(t, conn, "assistant stream", func(e Event) bool {
		return e.Type == EventStream && e.MessageType == StreamAssistant
	})
	assert.Equal(t, "done", stream.Content)
	completed := waitFor(t, conn, "completed", func(e Event) bool { return e.Type == EventCompleted })
	assert.Equal(t, "done", completed.Content)
}

func TestConnectValidation(t *testing.T) {
	_, ts := testServer(t, false, 0)
	conn := dial(t, ts, "")

	send(t, conn, Command{Command: "connect", AgentID: "main"})
	e := waitFor(t, conn, "error", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, e.Error, "config")

	// Factory failures surface as error events.
	send(t, conn, Command{Command: "connect", AgentID: "main", Config: &ConnectConfig{}})
	e = waitFor(t, conn, "factory error", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, e.Error, "provider is required")

	connectAgent(t, conn, "main")
	send(t, conn, Command{Command: "connect", AgentID: "main", Config: &ConnectConfig{Provider: "anthropic"}})
	e = waitFor(t, conn, "duplicate error", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, e.Error, "already connected")
}

func TestSendToUnknownAgent(t *testing.T) {
	_, ts := testServer(t, false, 0)
	conn := dial(t, ts, "")

	send(t, conn, Command{Command: "send", AgentID: "ghost", Data: "hi"})
	e := waitFor(t, conn, "error", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, e.Error, "no such agent")
}

func TestPromptRoundTrip(t *testing.T) {
	_, ts := testServer(t, true, 0)
	conn := dial(t, ts, "")
	connectAgent(t, conn, "main")

	send(t, conn, Command{Command: "send", AgentID: "main", Data: "do it"})
	promptEvent := waitFor(t, conn, "prompt", func(e Event) bool { return e.Type == EventPrompt })
	require.NotEmpty(t, promptEvent.PromptID)
	assert.Equal(t, "proceed?", promptEvent.Content)

	send(t, conn, Command{Command: "prompt_response", AgentID: "main", PromptID: promptEvent.PromptID, Data: "yes"})
	completed := waitFor(t, conn, "completed", func(e Event) bool { return e.Type == EventCompleted })
	assert.Equal(t, "done yes", completed.Content)
}

func TestPromptResponseUnknownID(t *testing.T) {
	_, ts := testServer(t, false, 0)
	conn := dial(t, ts, "")

	send(t, conn, Command{Command: "prompt_response", PromptID: "nope", Data: "yes"})
	e := waitFor(t, conn, "error", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, e.Error, "no pending prompt")
}

func TestDisconnectRejectsPendingPrompt(t *testing.T) {
	_, ts := testServer(t, true, 200*time.Millisecond)
	conn := dial(t, ts, "")
	connectAgent(t, conn, "main")

	send(t, conn, Command{Command: "send", AgentID: "main", Data: "do it"})
	promptEvent := waitFor(t, conn, "prompt", func(e Event) bool { return e.Type == EventPrompt })

	send(t, conn, Command{Command: "disconnect", AgentID: "main"})
	waitFor(t, conn, "disconnected", func(e Event) bool { return e.Type == EventDisconnected })

	// The pending prompt was dropped; answering it now fails.
	send(t, conn, Command{Command: "prompt_response", PromptID: promptEvent.PromptID, Data: "yes"})
	e := waitFor(t, conn, "rejection", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, e.Error, "no pending prompt")
}

func TestResetRebuildsAgent(t *testing.T) {
	_, ts := testServer(t, false, 0)
	conn := dial(t, ts, "")
	connectAgent(t, conn, "main")

	send(t, conn, Command{Command: "reset", AgentID: "main", Config: &ConnectConfig{Provider: "anthropic"}})
	waitFor(t, conn, "reset", func(e Event) bool { return e.Type == EventReset && e.AgentID == "main" })

	send(t, conn, Command{Command: "reset", AgentID: "ghost", Config: &ConnectConfig{Provider: "anthropic"}})
	e := waitFor(t, conn, "error", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, e.Error, "no such agent")
}

func TestSessionReplayOnReconnect(t *testing.T) {
	_, ts := testServer(t, false, 0)
	conn := dial(t, ts, "alpha")
	connectAgent(t, conn, "main")

	send(t, conn, Command{Command: "send", AgentID: "main", Data: "hello"})
	waitFor(t, conn, "completed", func(e Event) bool { return e.Type == EventCompleted })
	conn.Close()

	// Reconnect with the same session id: history comes back tagged as
	// replay and the agent is still connected.
	conn2 := dial(t, ts, "alpha")
	replayed := waitFor(t, conn2, "replayed completed", func(e Event) bool {
		return e.Type == EventCompleted && e.Replay
	})
	assert.Equal(t, "done", replayed.Content)

	send(t, conn2, Command{Command: "send", AgentID: "main", Data: "again"})
	waitFor(t, conn2, "completed", func(e Event) bool {
		return e.Type == EventCompleted && !e.Replay
	})
}

func TestUnknownAndMalformedCommands(t *testing.T) {
	_, ts := testServer(t, false, 0)
	conn := dial(t, ts, "")

	send(t, conn, Command{Command: "levitate"})
	e := waitFor(t, conn, "unknown command error", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, e.Error, "unknown command")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	e = waitFor(t, conn, "malformed error", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, e.Error, "malformed command")
}

func TestSessionSweep(t *testing.T) {
	m := newSessionManager(10, time.Minute)
	s, existed := m.attach("s1")
	assert.False(t, existed)
	m.attach("s2")

	m.detach(s)
	assert.Equal(t, 0, m.sweep(time.Now()), "linger window not elapsed")
	assert.Equal(t, 1, m.sweep(time.Now().Add(2*time.Minute)), "detached session expires")

	// The still-attached session survives any amount of time.
	assert.Equal(t, 0, m.sweep(time.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, m.len())
}

func TestSessionMessageCap(t *testing.T) {
	m := newSessionManager(3, time.Minute)
	s, _ := m.attach("s1")
	for i := 0; i < 10; i++ {
		s.push(Event{Type: EventStream, Content: fmt.Sprintf("m%d", i)})
	}
	events := s.replay()
	require.Len(t, events, 3)
	assert.Equal(t, "m7", events[0].Content)
	assert.True(t, events[0].Replay)
}

func TestWorkerPromptAnsweredOverGateway(t *testing.T) {
	wb := prompt.NewBroker()
	s := NewServer(Options{
		Path:         "/ws",
		WorkerBroker: wb,
		Providers:    []ProviderDescriptor{{Name: "anthropic", Type: "anthropic"}},
		Factory: func(cfg ConnectConfig, env AgentEnv) (ConversationAgent, error) {
			return &scriptedAgent{env: env, reply: "done"}, nil
		},
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	conn := dial(t, ts, "")

	// Make sure the session is attached before broadcasting.
	send(t, conn, Command{Command: "list"})
	waitFor(t, conn, "list", func(e Event) bool { return e.Type == EventSuccess })

	ch := wb.Register("wp-1")
	s.WorkerEmitter()("prompt", map[string]any{"prompt_id": "wp-1", "question": "which port?"})

	e := waitFor(t, conn, "worker prompt", func(e Event) bool {
		return e.Type == EventPrompt && e.PromptID == "wp-1"
	})
	assert.Equal(t, "which port?", e.Content)

	send(t, conn, Command{Command: "prompt_response", PromptID: "wp-1", Data: "8080"})
	answer, err := wb.Wait(context.Background(), "wp-1", ch, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "8080", answer)

	// An id unknown to both brokers still errors.
	send(t, conn, Command{Command: "prompt_response", PromptID: "nope", Data: "x"})
	errEvent := waitFor(t, conn, "rejection", func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, errEvent.Error, "no pending prompt")
}
