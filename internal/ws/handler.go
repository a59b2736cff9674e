package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ephemera/server/internal/core"
	"ephemera/server/internal/fault"
	"ephemera/server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the relay.
type Handler struct {
	relay     *core.Relay
	readLimit int64
	upgrader  websocket.Upgrader

	// inbound handles one decoded event. Replaced in tests.
	inbound func(ctx context.Context, connID string, in protocol.Event) error
}

// NewHandler creates a websocket handler bound to relay. readLimit caps the
// size of one inbound frame.
func NewHandler(relay *core.Relay, readLimit int64) *Handler {
	h := &Handler{
		relay:     relay,
		readLimit: readLimit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	h.inbound = h.handleInbound
	return h
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, c.RealIP())
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, ip string) {
	defer conn.Close()

	session, err := h.relay.Connect(ip)
	if err != nil {
		if be, ok := core.IsBan(err); ok {
			h.writeDirect(conn, protocol.Event{Type: protocol.TypeAdminBan, Text: be.Error()})
		} else {
			h.writeDirect(conn, protocol.Event{Type: protocol.TypeError, Error: errorText(err)})
		}
		h.writeClose(conn)
		return
	}
	defer h.relay.Disconnect(session.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The writer owns all writes. When the relay closes Send the socket is
	// shut down, which also ends the read loop below.
	go func() {
		defer cancel()
		for out := range session.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				_ = conn.Close()
				return
			}
		}
		h.writeClose(conn)
		_ = conn.Close()
	}()

	conn.SetReadLimit(h.readLimit)
	for {
		var in protocol.Event
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "conn_id", session.ID, "err", err)
			}
			return
		}
		h.dispatch(ctx, session.ID, in)
	}
}

// dispatch handles one inbound event. A panic is contained to the
// originating connection.
func (h *Handler) dispatch(ctx context.Context, connID string, in protocol.Event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("inbound event panicked", "conn_id", connID, "type", in.Type, "panic", p)
			h.relay.Notify(connID, protocol.Event{Type: protocol.TypeError, Error: "internal error"})
		}
	}()

	if err := h.inbound(ctx, connID, in); err != nil {
		slog.Debug("inbound event rejected", "conn_id", connID, "type", in.Type, "err", err)
		h.sendError(connID, err)
	}
}

func (h *Handler) handleInbound(ctx context.Context, connID string, in protocol.Event) error {
	switch in.Type {
	case protocol.TypePing:
		h.relay.Notify(connID, protocol.Event{Type: protocol.TypePong, TS: in.TS})
		return nil

	case protocol.TypeJoinPublic:
		return h.relay.JoinPublic(connID, in.Nick)

	case protocol.TypeJoinGroup:
		return h.relay.JoinGroup(ctx, connID, in.RoomID, in.Nick, in.Password, in.OwnerToken)

	case protocol.TypeSendMessage:
		_, err := h.relay.SendMessage(connID, in.RoomID, in.Kind, in.Content, in.ReplyTo)
		return err

	case protocol.TypeSendDM:
		if in.DMID == "" {
			return errMissingDM
		}
		_, err := h.relay.SendMessage(connID, in.DMID, in.Kind, in.Content, in.ReplyTo)
		return err

	case protocol.TypeReactMessage:
		_, err := h.relay.React(connID, in.RoomID, in.MessageID, in.Emoji)
		return err

	case protocol.TypeStartDM:
		_, err := h.relay.StartDirect(connID, in.PeerID)
		return err

	case protocol.TypeLeaveDM:
		return h.relay.LeaveDirect(connID, in.DMID)

	case protocol.TypeGroupAdminAction:
		err := h.relay.GroupAdminAction(connID, in.Action, in.TargetID, in.Text, in.Minutes)
		ack := protocol.Event{Type: protocol.TypeAdminResult, Action: in.Action, TargetID: in.TargetID, OK: err == nil}
		if err != nil {
			ack.Error = errorText(err)
		}
		h.relay.Notify(connID, ack)
		return nil
	}
	return errUnsupported
}

var (
	errUnsupported = fault.Validation("unsupported message type")
	errMissingDM   = fault.Validation("dm_id is required")
)

func (h *Handler) sendError(connID string, err error) {
	h.relay.Notify(connID, protocol.Event{Type: protocol.TypeError, Error: errorText(err)})
}

// errorText is the client-facing text of err. Ban rejections carry their
// reason.
func errorText(err error) string {
	if be, ok := core.IsBan(err); ok {
		return be.Error()
	}
	return fault.Message(err)
}

func (h *Handler) writeDirect(conn *websocket.Conn, ev protocol.Event) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(ev)
}

func (h *Handler) writeClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
