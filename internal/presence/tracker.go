// Package presence maps live connections to their sessions.
package presence

import (
	"log/slog"
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"ephemera/server/internal/clock"
	"ephemera/server/internal/fault"
	"ephemera/server/internal/protocol"
)

// Error values reported by the tracker.
var (
	ErrNoSession     = fault.Authorization("join a room first")
	ErrAlreadyJoined = fault.Validation("connection already has a session")
)

// Session is one joined connection.
type Session struct {
	ConnectionID string
	Nick         string
	RoomID       string
	IP           string
	ConnectedAt  time.Time
	Role         protocol.Role
	Direct       []string
}

// User returns the online-list entry for s.
func (s Session) User() protocol.User {
	return protocol.User{ID: s.ConnectionID, Nick: s.Nick, Role: s.Role}
}

type session struct {
	Session
	direct map[string]struct{}
}

func (s *session) export() Session {
	out := s.Session
	out.Direct = make([]string, 0, len(s.direct))
	for id := range s.direct {
		out.Direct = append(out.Direct, id)
	}
	sort.Strings(out.Direct)
	return out
}

// Tracker owns every Session for its lifetime. A session has one primary
// room (public or group) and any number of direct-room memberships.
//
// Tracker is not safe for concurrent use; it is owned by core.Relay.
type Tracker struct {
	clock    clock.Clock
	sessions map[string]*session
	collator *collate.Collator
}

// NewTracker returns an empty tracker ordering nicknames for locale.
func NewTracker(c clock.Clock, locale string) *Tracker {
	tag, err := language.Parse(locale)
	if err != nil {
		slog.Warn("unknown collation locale, falling back to root", "locale", locale, "err", err)
		tag = language.Und
	}
	return &Tracker{
		clock:    c,
		sessions: make(map[string]*session),
		collator: collate.New(tag, collate.IgnoreCase),
	}
}

// Register creates a session for connID in roomID.
func (t *Tracker) Register(connID, nick, roomID, ip string) (Session, error) {
	if _, ok := t.sessions[connID]; ok {
		return Session{}, ErrAlreadyJoined
	}
	s := &session{
		Session: Session{
			ConnectionID: connID,
			Nick:         nick,
			RoomID:       roomID,
			IP:           ip,
			ConnectedAt:  t.clock.Now(),
			Role:         protocol.RoleMember,
		},
		direct: make(map[string]struct{}),
	}
	t.sessions[connID] = s
	slog.Debug("session registered", "conn_id", connID, "nick", nick, "room_id", roomID, "total_sessions", len(t.sessions))
	return s.export(), nil
}

// Move switches an existing session to another primary room. The role is
// reset to member; ConnectedAt is kept.
func (t *Tracker) Move(connID, nick, roomID string) (Session, error) {
	s, ok := t.sessions[connID]
	if !ok {
		return Session{}, ErrNoSession
	}
	s.Nick = nick
	s.RoomID = roomID
	s.Role = protocol.RoleMember
	return s.export(), nil
}

// Remove deletes the session of connID and returns it.
func (t *Tracker) Remove(connID string) (Session, bool) {
	s, ok := t.sessions[connID]
	if !ok {
		return Session{}, false
	}
	delete(t.sessions, connID)
	slog.Debug("session removed", "conn_id", connID, "remaining_sessions", len(t.sessions))
	return s.export(), true
}

// Get returns the session of connID.
func (t *Tracker) Get(connID string) (Session, bool) {
	s, ok := t.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return s.export(), true
}

// Count returns the number of sessions.
func (t *Tracker) Count() int { return len(t.sessions) }

// ListByRoom returns the sessions whose primary room or direct membership
// is roomID, ordered by nickname under the tracker's collation.
func (t *Tracker) ListByRoom(roomID string) []Session {
	var out []Session
	for _, s := range t.sessions {
		if s.member(roomID) {
			out = append(out, s.export())
		}
	}
	t.sortSessions(out)
	return out
}

// All returns every session ordered by room then nickname.
func (t *Tracker) All() []Session {
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.export())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID < out[j].RoomID
		}
		return t.less(out[i], out[j])
	})
	return out
}

// ByIP returns the sessions connected from ip.
func (t *Tracker) ByIP(ip string) []Session {
	var out []Session
	for _, s := range t.sessions {
		if s.IP == ip {
			out = append(out, s.export())
		}
	}
	t.sortSessions(out)
	return out
}

// CountInRoom returns the live member count of roomID, direct memberships
// included.
func (t *Tracker) CountInRoom(roomID string) int {
	n := 0
	for _, s := range t.sessions {
		if s.member(roomID) {
			n++
		}
	}
	return n
}

// CountByRoom returns live member counts for every room with members.
func (t *Tracker) CountByRoom() map[string]int {
	out := make(map[string]int)
	for _, s := range t.sessions {
		out[s.RoomID]++
		for id := range s.direct {
			out[id]++
		}
	}
	return out
}

// SetRole changes the role of connID.
func (t *Tracker) SetRole(connID string, role protocol.Role) error {
	s, ok := t.sessions[connID]
	if !ok {
		return ErrNoSession
	}
	s.Role = role
	return nil
}

// Role returns the role of connID, or member when it has no session.
func (t *Tracker) Role(connID string) protocol.Role {
	if s, ok := t.sessions[connID]; ok {
		return s.Role
	}
	return protocol.RoleMember
}

// CountRole returns how many sessions hold role in roomID.
func (t *Tracker) CountRole(roomID string, role protocol.Role) int {
	n := 0
	for _, s := range t.sessions {
		if s.RoomID == roomID && s.Role == role {
			n++
		}
	}
	return n
}

// JoinDirect adds a direct-room membership. Reports whether it is new.
func (t *Tracker) JoinDirect(connID, roomID string) (bool, error) {
	s, ok := t.sessions[connID]
	if !ok {
		return false, ErrNoSession
	}
	if _, exists := s.direct[roomID]; exists {
		return false, nil
	}
	s.direct[roomID] = struct{}{}
	return true, nil
}

// LeaveDirect drops a direct-room membership. Reports whether one existed.
func (t *Tracker) LeaveDirect(connID, roomID string) bool {
	s, ok := t.sessions[connID]
	if !ok {
		return false
	}
	if _, exists := s.direct[roomID]; !exists {
		return false
	}
	delete(s.direct, roomID)
	return true
}

// InRoom reports whether connID may read and write roomID.
func (t *Tracker) InRoom(connID, roomID string) bool {
	s, ok := t.sessions[connID]
	return ok && s.member(roomID)
}

func (s *session) member(roomID string) bool {
	if s.RoomID == roomID {
		return true
	}
	_, ok := s.direct[roomID]
	return ok
}

func (t *Tracker) sortSessions(out []Session) {
	sort.SliceStable(out, func(i, j int) bool { return t.less(out[i], out[j]) })
}

func (t *Tracker) less(a, b Session) bool {
	if c := t.collator.CompareString(a.Nick, b.Nick); c != 0 {
		return c < 0
	}
	return a.ConnectionID < b.ConnectionID
}
