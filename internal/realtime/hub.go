package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kanban-live/internal/observability"
)

// sendBuffer bounds the per-connection outbound queue. A connection that
// falls this far behind is dropped instead of stalling the whole room.
const sendBuffer = 64

// Conn is one live realtime connection bound to an authenticated user.
// All mutable fields are owned by the hub and guarded by its mutex.
type Conn struct {
	id       string
	userID   string
	username string
	send     chan Event
	boards   map[string]struct{}
	closed   bool
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Outbound is drained by exactly one writer goroutine in the gateway.
// The channel is closed when the connection is dropped.
func (c *Conn) Outbound() <-chan Event { return c.send }

type typingKey struct {
	boardID  string
	columnID string
	userID   string
}

type typingState struct {
	username string
	lastSeen time.Time
}

// Hub owns the room and typing registries. State lives only as long as
// the connections referencing it; nothing here is persisted.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]map[string]*Conn // boardID -> connID -> conn
	typing  map[typingKey]typingState
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewHub(logger *zap.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		rooms:   make(map[string]map[string]*Conn),
		typing:  make(map[typingKey]typingState),
		logger:  logger,
		metrics: metrics,
	}
}

func (h *Hub) Register(userID, username string) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		send:     make(chan Event, sendBuffer),
		boards:   make(map[string]struct{}),
	}
	h.metrics.LiveConnections.Inc()
	return c
}

// Join adds the connection to the board's room, creating the room on
// first join, and announces the new presence to everyone in the room,
// joiner included.
func (h *Hub) Join(boardID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.closed {
		return
	}

	room, ok := h.rooms[boardID]
	if !ok {
		room = make(map[string]*Conn)
		h.rooms[boardID] = room
		h.metrics.OpenRooms.Inc()
	}
	room[c.id] = c
	c.boards[boardID] = struct{}{}

	h.logger.Debug("connection joined room",
		zap.String("board_id", boardID), zap.String("user_id", c.userID))

	h.announcePresenceLocked(boardID)
}

// Leave removes the connection from one room; the room is destroyed when
// its last connection leaves.
func (h *Hub) Leave(boardID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(boardID, c)
}

// Disconnect sweeps the connection out of every room it joined and
// closes its outbound channel. Safe to call more than once; cleanup runs
// exactly once.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for boardID := range c.boards {
		h.leaveLocked(boardID, c)
	}

	if !c.closed {
		c.closed = true
		close(c.send)
		h.metrics.LiveConnections.Dec()
	}
}

// Publish fans data out to every room member except the originator, who
// relies on its own local state instead of an echo. Publishing to a
// board without a room is a no-op, never an error, and never creates a
// room.
func (h *Hub) Publish(boardID, event string, data any, exclude *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[boardID]
	if !ok {
		return
	}

	evt := Event{Event: event, Data: data}
	for _, member := range room {
		if exclude != nil && member.id == exclude.id {
			continue
		}
		h.deliverLocked(member, evt)
	}
	h.metrics.EventsPublished.Inc()
}

// SetTyping records that the user is typing in a column and notifies the
// rest of the room. The caller debounces keystrokes; the hub keeps only
// the latest state.
func (h *Hub) SetTyping(boardID, columnID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, joined := c.boards[boardID]; !joined {
		return
	}

	h.typing[typingKey{boardID: boardID, columnID: columnID, userID: c.userID}] = typingState{
		username: c.username,
		lastSeen: time.Now().UTC(),
	}

	h.broadcastLocked(boardID, Event{
		Event: EventUserTyping,
		Data:  typingPayload{UserID: c.userID, Username: c.username, ColumnID: columnID},
	}, c)
}

func (h *Hub) ClearTyping(boardID, columnID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, joined := c.boards[boardID]; !joined {
		return
	}

	delete(h.typing, typingKey{boardID: boardID, columnID: columnID, userID: c.userID})

	h.broadcastLocked(boardID, Event{
		Event: EventUserStoppedTyping,
		Data:  stoppedTypingPayload{UserID: c.userID, ColumnID: columnID},
	}, c)
}

// SendError delivers an error event to a single connection.
func (h *Hub) SendError(c *Conn, code, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(c, Event{Event: EventError, Data: errorPayload{Code: code, Message: message}})
}

// InRoom reports whether the connection has joined the board's room.
func (h *Hub) InRoom(boardID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, joined := c.boards[boardID]
	return joined
}

func (h *Hub) OnlineCount(boardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[boardID])
}

// TypingUsers lists usernames currently typing in a column.
func (h *Hub) TypingUsers(boardID, columnID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var names []string
	for key, state := range h.typing {
		if key.boardID == boardID && key.columnID == columnID {
			names = append(names, state.username)
		}
	}
	sort.Strings(names)
	return names
}

func (h *Hub) leaveLocked(boardID string, c *Conn) {
	room, ok := h.rooms[boardID]
	if !ok {
		return
	}
	if _, present := room[c.id]; !present {
		return
	}

	delete(room, c.id)
	delete(c.boards, boardID)

	for key := range h.typing {
		if key.boardID == boardID && key.userID == c.userID {
			delete(h.typing, key)
		}
	}

	if len(room) == 0 {
		delete(h.rooms, boardID)
		h.metrics.OpenRooms.Dec()
		return
	}

	h.announcePresenceLocked(boardID)
}

func (h *Hub) announcePresenceLocked(boardID string) {
	room := h.rooms[boardID]

	seen := make(map[string]struct{}, len(room))
	members := make([]string, 0, len(room))
	for _, member := range room {
		if _, dup := seen[member.userID]; dup {
			continue
		}
		seen[member.userID] = struct{}{}
		members = append(members, member.userID)
	}
	sort.Strings(members)

	h.broadcastLocked(boardID, Event{Event: EventOnlineCount, Data: len(room)}, nil)
	h.broadcastLocked(boardID, Event{Event: EventBoardMembers, Data: membersPayload{Members: members}}, nil)
}

func (h *Hub) broadcastLocked(boardID string, evt Event, exclude *Conn) {
	for _, member := range h.rooms[boardID] {
		if exclude != nil && member.id == exclude.id {
			continue
		}
		h.deliverLocked(member, evt)
	}
}

// deliverLocked never blocks: a full buffer means the reader stopped
// draining, so the channel is closed and the gateway tears the
// connection down.
func (h *Hub) deliverLocked(c *Conn, evt Event) {
	if c.closed {
		return
	}

	select {
	case c.send <- evt:
	default:
		h.logger.Warn("dropping slow connection",
			zap.String("conn_id", c.id), zap.String("user_id", c.userID))
		c.closed = true
		close(c.send)
		h.metrics.LiveConnections.Dec()
	}
}
