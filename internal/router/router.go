// Package router validates chat messages and reactions and appends them to
// room buffers.
package router

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"ephemera/server/internal/ban"
	"ephemera/server/internal/clock"
	"ephemera/server/internal/config"
	"ephemera/server/internal/fault"
	"ephemera/server/internal/metrics"
	"ephemera/server/internal/presence"
	"ephemera/server/internal/protocol"
	"ephemera/server/internal/room"
)

// Error values reported by the router.
var (
	ErrBanned          = fault.Authorization("you are banned")
	ErrNotMember       = fault.Authorization("you are not in this room")
	ErrFrozen          = fault.Authorization("room is frozen")
	ErrUnsupportedKind = fault.Validation("unsupported message kind")
	ErrEmpty           = fault.Validation("message is empty")
	ErrKindMismatch    = fault.Validation("attachment type does not match message kind")
	ErrTextTooLong     = fault.Capacity("text exceeds the maximum length")
	ErrPayloadTooLarge = fault.Capacity("attachment exceeds the maximum size")
	ErrInvalidEmoji    = fault.Validation("invalid emoji")
)

const messagePrefix = "m_"

// Limits bounds message payloads.
type Limits struct {
	MaxText   int
	MaxBinary int
	MaxEmoji  int
}

// Accepted is a committed message and the buffer entries it evicted.
type Accepted struct {
	Message protocol.ChatMessage
	Evicted []string
}

// Reaction is the reaction map of a message after an update.
type Reaction struct {
	RoomID    string
	MessageID string
	Reactions map[string]int
}

// Router is not safe for concurrent use; it is owned by core.Relay.
type Router struct {
	clock   clock.Clock
	rooms   *room.Directory
	tracker *presence.Tracker
	bans    *ban.Registry
	metrics *metrics.Aggregator
	limits  Limits
	kinds   map[protocol.Kind]validator
}

// New returns a router over the given components.
func New(c clock.Clock, rooms *room.Directory, tracker *presence.Tracker, bans *ban.Registry, agg *metrics.Aggregator, limits Limits) *Router {
	return &Router{
		clock:   c,
		rooms:   rooms,
		tracker: tracker,
		bans:    bans,
		metrics: agg,
		limits:  limits,
		kinds:   validators(),
	}
}

// Submit validates a message from connID and appends it to roomID, or to
// the sender's primary room when roomID is empty. Checks run in a fixed
// order and the first failure wins; a rejected message leaves the buffer
// untouched.
func (r *Router) Submit(connID, roomID string, kind protocol.Kind, content string, reply *protocol.ReplyRef) (Accepted, error) {
	s, target, err := r.authorize(connID, roomID)
	if err != nil {
		return Accepted{}, err
	}
	if target.Frozen {
		return Accepted{}, ErrFrozen
	}
	if kind == "" {
		kind = protocol.KindText
	}
	validate, ok := r.kinds[kind]
	if !ok {
		return Accepted{}, ErrUnsupportedKind
	}
	content, err = validate(content, r.limits)
	if err != nil {
		return Accepted{}, err
	}

	now := r.clock.Now()
	m := &protocol.ChatMessage{
		ID:         messagePrefix + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		AuthorID:   connID,
		AuthorNick: s.Nick,
		Kind:       kind,
		Content:    content,
		TS:         now.UnixMilli(),
		Reactions:  make(map[string]int),
		ReplyTo:    r.replySummary(target.ID, reply),
	}
	evicted, err := r.rooms.Append(target.ID, m)
	if err != nil {
		return Accepted{}, err
	}
	r.metrics.RecordMessageSent(kind)
	slog.Debug("message accepted", "msg_id", m.ID, "room_id", target.ID, "conn_id", connID, "kind", string(kind), "evicted", len(evicted))
	return Accepted{Message: room.CopyMessage(m), Evicted: evicted}, nil
}

// React increments the emoji counter on msgID in roomID, or in the caller's
// primary room when roomID is empty. The message must live in a room the
// caller belongs to.
func (r *Router) React(connID, roomID, msgID, emoji string) (Reaction, error) {
	_, target, err := r.authorize(connID, roomID)
	if err != nil {
		return Reaction{}, err
	}
	if target.Frozen {
		return Reaction{}, ErrFrozen
	}
	emoji = clampRunes(strings.TrimSpace(emoji), r.limits.MaxEmoji)
	if emoji == "" {
		return Reaction{}, ErrInvalidEmoji
	}
	m, err := r.rooms.Find(target.ID, msgID)
	if err != nil {
		return Reaction{}, err
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]int)
	}
	m.Reactions[emoji]++

	out := make(map[string]int, len(m.Reactions))
	for k, v := range m.Reactions {
		out[k] = v
	}
	return Reaction{RoomID: target.ID, MessageID: m.ID, Reactions: out}, nil
}

func (r *Router) authorize(connID, roomID string) (presence.Session, *room.Room, error) {
	s, ok := r.tracker.Get(connID)
	if !ok {
		return presence.Session{}, nil, presence.ErrNoSession
	}
	if _, banned := r.bans.Check(ban.Global, s.IP); banned {
		return presence.Session{}, nil, ErrBanned
	}
	if _, banned := r.bans.Check(ban.Scope(s.RoomID), s.IP); banned {
		return presence.Session{}, nil, ErrBanned
	}
	if roomID == "" {
		roomID = s.RoomID
	}
	if !r.tracker.InRoom(connID, roomID) {
		return presence.Session{}, nil, ErrNotMember
	}
	target, ok := r.rooms.Lookup(roomID)
	if !ok {
		return presence.Session{}, nil, room.ErrRoomNotFound
	}
	return s, target, nil
}

// replySummary quotes the referenced message when it is still buffered and
// falls back to the client's clamped description otherwise.
func (r *Router) replySummary(roomID string, ref *protocol.ReplyRef) *protocol.ReplySummary {
	if ref == nil || strings.TrimSpace(ref.ID) == "" {
		return nil
	}
	if orig, err := r.rooms.Find(roomID, ref.ID); err == nil {
		preview := ""
		if orig.Kind == protocol.KindText {
			preview = orig.Content
		}
		return &protocol.ReplySummary{
			ID:         orig.ID,
			AuthorNick: clampRunes(orig.AuthorNick, config.MaxNickLength),
			Preview:    clampRunes(preview, config.MaxReplyPreview),
			Kind:       orig.Kind,
		}
	}
	kind := ref.Kind
	if _, ok := r.kinds[kind]; !ok {
		kind = protocol.KindText
	}
	return &protocol.ReplySummary{
		ID:         clampRunes(strings.TrimSpace(ref.ID), 64),
		AuthorNick: clampRunes(ref.Nick, config.MaxNickLength),
		Preview:    clampRunes(ref.Preview, config.MaxReplyPreview),
		Kind:       kind,
	}
}

func clampRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
