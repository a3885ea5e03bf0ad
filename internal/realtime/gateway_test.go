package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kanban-live/internal/authz"
	"kanban-live/internal/observability"
	"kanban-live/internal/session"
	"kanban-live/internal/token"
	"kanban-live/internal/user"
)

type gwUserStore struct {
	users map[string]user.User
}

func (s *gwUserStore) GetByID(_ context.Context, id string) (user.User, error) {
	u, ok := s.users[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (s *gwUserStore) GetByUsername(_ context.Context, username string) (user.User, error) {
	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

func (s *gwUserStore) UsernameExists(context.Context, string) (bool, error) { return false, nil }
func (s *gwUserStore) EmailExists(context.Context, string) (bool, error)    { return false, nil }

func (s *gwUserStore) Create(_ context.Context, username, email, hash string) (user.User, error) {
	u := user.User{ID: username, Username: username, Email: email, PasswordHash: hash}
	s.users[u.ID] = u
	return u, nil
}

type gwMembershipStore struct {
	roles map[string]map[string]authz.Role
}

func (s *gwMembershipStore) Find(_ context.Context, boardID, userID string) (*authz.Membership, error) {
	role, ok := s.roles[boardID][userID]
	if !ok {
		return nil, nil
	}
	return &authz.Membership{BoardID: boardID, UserID: userID, Role: role}, nil
}

func (s *gwMembershipStore) List(_ context.Context, boardID string) ([]authz.Membership, error) {
	var out []authz.Membership
	for userID, role := range s.roles[boardID] {
		out = append(out, authz.Membership{BoardID: boardID, UserID: userID, Role: role})
	}
	return out, nil
}

func (s *gwMembershipStore) CountAdmins(_ context.Context, boardID string) (int, error) {
	count := 0
	for _, role := range s.roles[boardID] {
		if role == authz.RoleAdmin {
			count++
		}
	}
	return count, nil
}

type gatewayFixture struct {
	server   *httptest.Server
	sessions *session.Service
	codec    *token.Codec
	hub      *Hub
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	codec, err := token.NewCodec("access-secret", "refresh-secret", "csrf-secret", 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)

	users := &gwUserStore{users: map[string]user.User{
		"u1": {ID: "u1", Username: "alice"},
		"u2": {ID: "u2", Username: "bob"},
		"u3": {ID: "u3", Username: "mallory"},
	}}
	memberships := &gwMembershipStore{roles: map[string]map[string]authz.Role{
		"b1": {"u1": authz.RoleMember, "u2": authz.RoleReadOnly},
	}}

	sessions := session.NewService(users, codec)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hub := NewHub(zap.NewNop(), metrics)
	gateway := NewGateway(sessions, authz.NewEngine(memberships), hub, zap.NewNop(), metrics, nil)

	server := httptest.NewServer(gateway)
	t.Cleanup(server.Close)

	return &gatewayFixture{server: server, sessions: sessions, codec: codec, hub: hub}
}

func (f *gatewayFixture) dial(t *testing.T, ctx context.Context, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if userID != "" {
		access, err := f.codec.Issue(token.KindAccess, userID, time.Now().UTC())
		require.NoError(t, err)
		url += "/?token=" + access
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var msg inboundMessage
	require.NoError(t, wsjson.Read(readCtx, conn, &msg))
	return msg.Event, msg.Data
}

func sendEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, wsjson.Write(ctx, conn, Event{Event: event, Data: data}))
}

func joinBoard(t *testing.T, ctx context.Context, conn *websocket.Conn, boardID string) {
	t.Helper()
	sendEvent(t, ctx, conn, EventJoinBoard, map[string]string{"boardId": boardID})

	name, _ := readEvent(t, ctx, conn)
	require.Equal(t, EventOnlineCount, name)
	name, _ = readEvent(t, ctx, conn)
	require.Equal(t, EventBoardMembers, name)
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	fixture := newGatewayFixture(t)
	ctx := context.Background()

	conn := fixture.dial(t, ctx, "")

	name, data := readEvent(t, ctx, conn)
	assert.Equal(t, EventError, name)

	var payload errorPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "unauthorized", payload.Code)

	// The server closes a failed handshake; the next read must fail.
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var msg inboundMessage
	assert.Error(t, wsjson.Read(readCtx, conn, &msg))
}

func TestHandshakeRejectsExpiredToken(t *testing.T) {
	fixture := newGatewayFixture(t)
	ctx := context.Background()

	stale, err := fixture.codec.Issue(token.KindAccess, "u1", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/?token=" + stale
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	name, _ := readEvent(t, ctx, conn)
	assert.Equal(t, EventError, name)
}

func TestJoinBoardRequiresMembership(t *testing.T) {
	fixture := newGatewayFixture(t)
	ctx := context.Background()

	conn := fixture.dial(t, ctx, "u3") // authenticated, but not a member of b1
	sendEvent(t, ctx, conn, EventJoinBoard, map[string]string{"boardId": "b1"})

	name, data := readEvent(t, ctx, conn)
	assert.Equal(t, EventError, name)

	var payload errorPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "forbidden", payload.Code)
	assert.Equal(t, 0, fixture.hub.OnlineCount("b1"))
}

func TestDomainEventFanOut(t *testing.T) {
	fixture := newGatewayFixture(t)
	ctx := context.Background()

	alice := fixture.dial(t, ctx, "u1")
	joinBoard(t, ctx, alice, "b1")

	bob := fixture.dial(t, ctx, "u2") // readOnly members still receive events
	joinBoard(t, ctx, bob, "b1")

	// Alice sees the presence refresh caused by Bob's join.
	name, _ := readEvent(t, ctx, alice)
	require.Equal(t, EventOnlineCount, name)
	name, _ = readEvent(t, ctx, alice)
	require.Equal(t, EventBoardMembers, name)

	sendEvent(t, ctx, alice, "task-created", map[string]any{"boardId": "b1", "task": map[string]any{"content": "write tests"}})

	name, data := readEvent(t, ctx, bob)
	assert.Equal(t, "task-created", name)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "b1", payload["boardId"])

	// The originator must not receive an echo.
	readCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	var msg inboundMessage
	assert.Error(t, wsjson.Read(readCtx, alice, &msg))
}

func TestPublishBeforeJoinIsRejected(t *testing.T) {
	fixture := newGatewayFixture(t)
	ctx := context.Background()

	conn := fixture.dial(t, ctx, "u1")
	sendEvent(t, ctx, conn, "task-created", map[string]string{"boardId": "b1"})

	name, data := readEvent(t, ctx, conn)
	assert.Equal(t, EventError, name)

	var payload errorPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "not_joined", payload.Code)
}

func TestTypingRelay(t *testing.T) {
	fixture := newGatewayFixture(t)
	ctx := context.Background()

	alice := fixture.dial(t, ctx, "u1")
	joinBoard(t, ctx, alice, "b1")
	bob := fixture.dial(t, ctx, "u2")
	joinBoard(t, ctx, bob, "b1")

	// Drain Bob's join as seen by Alice.
	readEvent(t, ctx, alice)
	readEvent(t, ctx, alice)

	sendEvent(t, ctx, alice, EventUserTyping, map[string]string{"boardId": "b1", "columnId": "todo"})

	name, data := readEvent(t, ctx, bob)
	assert.Equal(t, EventUserTyping, name)
	var typing typingPayload
	require.NoError(t, json.Unmarshal(data, &typing))
	assert.Equal(t, "alice", typing.Username)
	assert.Equal(t, "todo", typing.ColumnID)

	sendEvent(t, ctx, alice, EventUserStoppedTyping, map[string]string{"boardId": "b1", "columnId": "todo"})

	name, _ = readEvent(t, ctx, bob)
	assert.Equal(t, EventUserStoppedTyping, name)
}

func TestDisconnectUpdatesPresence(t *testing.T) {
	fixture := newGatewayFixture(t)
	ctx := context.Background()

	alice := fixture.dial(t, ctx, "u1")
	joinBoard(t, ctx, alice, "b1")
	bob := fixture.dial(t, ctx, "u2")
	joinBoard(t, ctx, bob, "b1")

	readEvent(t, ctx, alice) // online-count after bob joined
	readEvent(t, ctx, alice) // board-members after bob joined

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, "leaving"))

	name, data := readEvent(t, ctx, alice)
	assert.Equal(t, EventOnlineCount, name)
	var count int
	require.NoError(t, json.Unmarshal(data, &count))
	assert.Equal(t, 1, count)
}
