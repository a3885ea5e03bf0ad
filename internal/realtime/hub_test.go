package realtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kanban-live/internal/observability"
)

func testHub() *Hub {
	return NewHub(zap.NewNop(), observability.NewMetrics(prometheus.NewRegistry()))
}

func recvEvent(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case evt, ok := <-c.Outbound():
		require.True(t, ok, "outbound channel closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func drainEvents(c *Conn) []Event {
	var out []Event
	for {
		select {
		case evt, ok := <-c.Outbound():
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestJoinAnnouncesPresenceToEveryone(t *testing.T) {
	hub := testHub()

	c1 := hub.Register("u1", "alice")
	hub.Join("b1", c1)

	// The joiner itself receives the presence events.
	evt := recvEvent(t, c1)
	assert.Equal(t, EventOnlineCount, evt.Event)
	assert.Equal(t, 1, evt.Data)

	evt = recvEvent(t, c1)
	assert.Equal(t, EventBoardMembers, evt.Event)
	assert.Equal(t, membersPayload{Members: []string{"u1"}}, evt.Data)

	c2 := hub.Register("u2", "bob")
	hub.Join("b1", c2)

	evt = recvEvent(t, c1)
	assert.Equal(t, EventOnlineCount, evt.Event)
	assert.Equal(t, 2, evt.Data)

	evt = recvEvent(t, c1)
	assert.Equal(t, membersPayload{Members: []string{"u1", "u2"}}, evt.Data)
}

func TestPublishExcludesOriginator(t *testing.T) {
	hub := testHub()

	c1 := hub.Register("u1", "alice")
	c2 := hub.Register("u2", "bob")
	c3 := hub.Register("u3", "carol")
	for _, c := range []*Conn{c1, c2, c3} {
		hub.Join("b1", c)
	}
	for _, c := range []*Conn{c1, c2, c3} {
		drainEvents(c)
	}

	hub.Publish("b1", "task-created", map[string]any{"boardId": "b1"}, c1)

	assert.Empty(t, drainEvents(c1), "originator must not receive its own event")

	for _, c := range []*Conn{c2, c3} {
		evt := recvEvent(t, c)
		assert.Equal(t, "task-created", evt.Event)
	}
}

func TestPublishUnknownBoardIsNoop(t *testing.T) {
	hub := testHub()
	c1 := hub.Register("u1", "alice")
	hub.Join("b1", c1)
	drainEvents(c1)

	hub.Publish("nowhere", "task-created", nil, nil)

	assert.Empty(t, drainEvents(c1))
	assert.Equal(t, 0, hub.OnlineCount("nowhere"), "publish must not create a room")
}

func TestPresenceAccounting(t *testing.T) {
	hub := testHub()

	conns := make([]*Conn, 0, 4)
	for i, name := range []string{"a", "b", "c", "d"} {
		c := hub.Register(name, name)
		hub.Join("b1", c)
		conns = append(conns, c)
		assert.Equal(t, i+1, hub.OnlineCount("b1"))
	}

	hub.Leave("b1", conns[0])
	hub.Leave("b1", conns[1])
	assert.Equal(t, 2, hub.OnlineCount("b1"))

	hub.Leave("b1", conns[2])
	hub.Leave("b1", conns[3])
	assert.Equal(t, 0, hub.OnlineCount("b1"), "room destroyed after last leave")

	// Publishing to the destroyed room is a silent no-op.
	hub.Publish("b1", "task-created", nil, nil)
}

func TestDisconnectSweepsEveryRoom(t *testing.T) {
	hub := testHub()

	c1 := hub.Register("u1", "alice")
	c2 := hub.Register("u2", "bob")
	hub.Join("b1", c1)
	hub.Join("b2", c1)
	hub.Join("b1", c2)
	hub.SetTyping("b1", "todo", c1)

	hub.Disconnect(c1)

	assert.Equal(t, 1, hub.OnlineCount("b1"))
	assert.Equal(t, 0, hub.OnlineCount("b2"))
	assert.Empty(t, hub.TypingUsers("b1", "todo"), "typing state purged on disconnect")

	// Cleanup must be idempotent.
	hub.Disconnect(c1)

	_, open := <-c1.Outbound()
	assert.False(t, open, "outbound channel closed after disconnect")
}

func TestTypingState(t *testing.T) {
	hub := testHub()

	c1 := hub.Register("u1", "alice")
	c2 := hub.Register("u2", "bob")
	hub.Join("b1", c1)
	hub.Join("b1", c2)
	drainEvents(c1)
	drainEvents(c2)

	hub.SetTyping("b1", "todo", c1)
	assert.Equal(t, []string{"alice"}, hub.TypingUsers("b1", "todo"))

	evt := recvEvent(t, c2)
	assert.Equal(t, EventUserTyping, evt.Event)
	assert.Equal(t, typingPayload{UserID: "u1", Username: "alice", ColumnID: "todo"}, evt.Data)
	assert.Empty(t, drainEvents(c1), "typing is not echoed to the typist")

	hub.ClearTyping("b1", "todo", c1)
	assert.Empty(t, hub.TypingUsers("b1", "todo"))

	evt = recvEvent(t, c2)
	assert.Equal(t, EventUserStoppedTyping, evt.Event)
}

func TestTypingRequiresJoinedRoom(t *testing.T) {
	hub := testHub()
	c1 := hub.Register("u1", "alice")

	hub.SetTyping("b1", "todo", c1)
	assert.Empty(t, hub.TypingUsers("b1", "todo"))
}

func TestSlowConnectionIsDropped(t *testing.T) {
	hub := testHub()

	slow := hub.Register("u1", "alice")
	fast := hub.Register("u2", "bob")
	hub.Join("b1", slow)
	hub.Join("b1", fast)

	// Never drain `slow`; keep publishing until its buffer overflows.
	for i := 0; i < sendBuffer+8; i++ {
		hub.Publish("b1", "task-updated", i, fast)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-slow.Outbound():
			if !open {
				return // dropped as expected
			}
		case <-deadline:
			t.Fatal("slow connection was never dropped")
		}
	}
}
