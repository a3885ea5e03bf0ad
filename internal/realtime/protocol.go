package realtime

// Event is the wire envelope for every realtime message in both
// directions.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client -> server control events.
const (
	EventJoinBoard         = "join-board"
	EventLeaveBoard        = "leave-board"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
)

// Server -> client presence events.
const (
	EventOnlineCount  = "online-count"
	EventBoardMembers = "board-members"
	EventError        = "error"
)

// Domain events are relayed verbatim between clients; the hub never
// inspects their payloads.
var domainEvents = map[string]struct{}{
	"task-created":        {},
	"task-updated":        {},
	"task-deleted":        {},
	"board-updated":       {},
	"member-added":        {},
	"member-removed":      {},
	"member-role-updated": {},
}

func isDomainEvent(name string) bool {
	_, ok := domainEvents[name]
	return ok
}

type boardRef struct {
	BoardID string `json:"boardId"`
}

type typingRef struct {
	BoardID  string `json:"boardId"`
	ColumnID string `json:"columnId"`
}

type typingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	ColumnID string `json:"columnId"`
}

type stoppedTypingPayload struct {
	UserID   string `json:"userId"`
	ColumnID string `json:"columnId"`
}

type membersPayload struct {
	Members []string `json:"members"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
