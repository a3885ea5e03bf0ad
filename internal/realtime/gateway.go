package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"kanban-live/internal/authz"
	"kanban-live/internal/observability"
	"kanban-live/internal/session"
)

const writeTimeout = 5 * time.Second

type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Gateway upgrades websocket connections, authenticates them with the
// same token and membership checks as the HTTP layer, and shuttles
// events between the socket and the hub.
type Gateway struct {
	sessions *session.Service
	authz    *authz.Engine
	hub      *Hub
	logger   *zap.Logger
	metrics  *observability.Metrics
	origins  []string
}

func NewGateway(sessions *session.Service, engine *authz.Engine, hub *Hub, logger *zap.Logger, metrics *observability.Metrics, originPatterns []string) *Gateway {
	return &Gateway{
		sessions: sessions,
		authz:    engine,
		hub:      hub,
		logger:   logger,
		metrics:  metrics,
		origins:  originPatterns,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(g.origins) > 0 {
		opts.OriginPatterns = g.origins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The handshake carries the access token only: a socket upgrade
	// cannot carry the csrf header out-of-band the way an XHR can.
	usr, err := g.sessions.ResolveAccess(ctx, handshakeToken(r), time.Now().UTC())
	if err != nil {
		g.metrics.AuthFailures.Inc()
		g.logger.Warn("websocket handshake rejected", zap.Error(err))

		writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
		_ = wsjson.Write(writeCtx, conn, Event{Event: EventError, Data: errorPayload{Code: "unauthorized", Message: "invalid or missing access token"}})
		cancelWrite()
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	c := g.hub.Register(usr.ID, usr.Username)
	defer g.hub.Disconnect(c)

	go g.writeLoop(ctx, conn, c)
	g.readLoop(ctx, conn, c)
}

func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.Outbound():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}

			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, c *Conn) {
	for {
		var msg inboundMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		}
		g.dispatch(ctx, c, msg)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, msg inboundMessage) {
	switch msg.Event {
	case EventJoinBoard:
		var ref boardRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.BoardID == "" {
			g.hub.SendError(c, "validation", "join-board requires a boardId")
			return
		}

		if _, err := g.authz.RequireMember(ctx, c.UserID(), ref.BoardID); err != nil {
			if !errors.Is(err, authz.ErrForbidden) {
				g.logger.Error("membership lookup failed", zap.Error(err))
				g.hub.SendError(c, "internal", "could not verify board membership")
				return
			}
			g.hub.SendError(c, "forbidden", "not a member of this board")
			return
		}

		g.hub.Join(ref.BoardID, c)

	case EventLeaveBoard:
		var ref boardRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.BoardID == "" {
			g.hub.SendError(c, "validation", "leave-board requires a boardId")
			return
		}
		g.hub.Leave(ref.BoardID, c)

	case EventUserTyping:
		var ref typingRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.BoardID == "" || ref.ColumnID == "" {
			g.hub.SendError(c, "validation", "typing events require boardId and columnId")
			return
		}
		g.hub.SetTyping(ref.BoardID, ref.ColumnID, c)

	case EventUserStoppedTyping:
		var ref typingRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.BoardID == "" || ref.ColumnID == "" {
			g.hub.SendError(c, "validation", "typing events require boardId and columnId")
			return
		}
		g.hub.ClearTyping(ref.BoardID, ref.ColumnID, c)

	default:
		if !isDomainEvent(msg.Event) {
			g.hub.SendError(c, "unknown_event", "unsupported event "+msg.Event)
			return
		}

		var ref boardRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.BoardID == "" {
			g.hub.SendError(c, "validation", "domain events require a boardId")
			return
		}

		// Membership was authorized at join time; the payload itself is
		// relayed untouched.
		if !g.hub.InRoom(ref.BoardID, c) {
			g.hub.SendError(c, "not_joined", "join the board before publishing to it")
			return
		}

		g.hub.Publish(ref.BoardID, msg.Event, msg.Data, c)
	}
}

func handshakeToken(r *http.Request) string {
	if cookie, err := r.Cookie(session.AccessCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}
