// Package room owns the room table and each room's bounded message buffer.
package room

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	nanoid "github.com/jaevor/go-nanoid"

	"ephemera/server/internal/clock"
	"ephemera/server/internal/fault"
	"ephemera/server/internal/protocol"
)

// Error values reported by the directory.
var (
	ErrRoomNotFound    = fault.NotFound("room does not exist (or has expired)")
	ErrMessageNotFound = fault.NotFound("message not found")
	ErrPublicRoom      = fault.Validation("the public room cannot be deleted")
)

const (
	groupPrefix  = "g_"
	directPrefix = "dm_"
	directSep    = "_"
	groupIDLen   = 10
)

// DirectID derives the id of the direct room shared by two connections.
// It is symmetric: DirectID(a, b) == DirectID(b, a).
func DirectID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + a + directSep + b
}

// Room is one chat room and its message buffer.
type Room struct {
	ID           string
	Kind         protocol.RoomKind
	Name         string
	CreatedAt    time.Time
	PasswordHash string
	Frozen       bool
	LastActivity time.Time

	// Claimed is set once anyone has joined. Groups created over HTTP and
	// never joined are swept by Directory.SweepUnclaimed.
	Claimed bool

	messages *buffer
}

// Info returns the public description of r.
func (r *Room) Info() protocol.RoomInfo {
	return protocol.RoomInfo{
		ID:        r.ID,
		Kind:      r.Kind,
		Name:      r.Name,
		CreatedAt: r.CreatedAt.UnixMilli(),
		Frozen:    r.Frozen,
	}
}

// MessageCount returns the number of buffered messages.
func (r *Room) MessageCount() int { return r.messages.len() }

// Limits sizes the message buffers.
type Limits struct {
	RoomCapacity   int
	DirectCapacity int
}

// Directory is the room table.
//
// Directory is not safe for concurrent use; it is owned by core.Relay.
type Directory struct {
	clock      clock.Clock
	limits     Limits
	publicID   string
	publicName string
	rooms      map[string]*Room
	newGroupID func() string
	onDelete   []func(roomID string)
}

// NewDirectory creates a directory that already holds the public room.
func NewDirectory(c clock.Clock, limits Limits, publicID, publicName string) (*Directory, error) {
	gen, err := nanoid.Standard(groupIDLen)
	if err != nil {
		return nil, fmt.Errorf("init group id generator: %w", err)
	}
	d := &Directory{
		clock:      c,
		limits:     limits,
		publicID:   publicID,
		publicName: publicName,
		rooms:      make(map[string]*Room),
		newGroupID: gen,
	}
	d.EnsurePublic()
	return d, nil
}

// OnDelete registers fn to run after any room is removed, so per-room
// state held elsewhere (peaks, owner credentials, group bans) is purged
// together with the room.
func (d *Directory) OnDelete(fn func(roomID string)) {
	d.onDelete = append(d.onDelete, fn)
}

// PublicID returns the id of the permanent public room.
func (d *Directory) PublicID() string { return d.publicID }

// EnsurePublic creates the public room if needed and returns it.
func (d *Directory) EnsurePublic() *Room {
	if r, ok := d.rooms[d.publicID]; ok {
		return r
	}
	r := d.newRoom(d.publicID, protocol.RoomPublic, d.publicName, d.limits.RoomCapacity)
	r.Claimed = true
	return r
}

// CreateGroup stores a new password-protected group under a fresh
// unguessable id.
func (d *Directory) CreateGroup(name, passwordHash string) *Room {
	id := groupPrefix + d.newGroupID()
	for d.rooms[id] != nil {
		id = groupPrefix + d.newGroupID()
	}
	r := d.newRoom(id, protocol.RoomGroup, name, d.limits.RoomCapacity)
	r.PasswordHash = passwordHash
	slog.Info("group created", "room_id", id, "name", name)
	return r
}

// EnsureDirect returns the direct room of a and b, creating it if absent.
func (d *Directory) EnsureDirect(a, b string) *Room {
	id := DirectID(a, b)
	if r, ok := d.rooms[id]; ok {
		return r
	}
	r := d.newRoom(id, protocol.RoomDirect, "Direct", d.limits.DirectCapacity)
	r.Claimed = true
	slog.Debug("direct room created", "room_id", id)
	return r
}

func (d *Directory) newRoom(id string, kind protocol.RoomKind, name string, capacity int) *Room {
	now := d.clock.Now()
	r := &Room{
		ID:           id,
		Kind:         kind,
		Name:         name,
		CreatedAt:    now,
		LastActivity: now,
		messages:     newBuffer(capacity),
	}
	d.rooms[id] = r
	return r
}

// Lookup returns the room with id.
func (d *Directory) Lookup(id string) (*Room, bool) {
	r, ok := d.rooms[id]
	return r, ok
}

// Rooms returns every room ordered by id.
func (d *Directory) Rooms() []*Room {
	out := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Append pushes m onto the room's buffer and returns the ids evicted to
// stay within capacity.
func (d *Directory) Append(roomID string, m *protocol.ChatMessage) ([]string, error) {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	m.RoomID = roomID
	r.LastActivity = d.clock.Now()
	return r.messages.push(m), nil
}

// Find returns the live message msgID in roomID for in-place updates.
func (d *Directory) Find(roomID, msgID string) (*protocol.ChatMessage, error) {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	m := r.messages.find(strings.TrimSpace(msgID))
	if m == nil {
		return nil, ErrMessageNotFound
	}
	return m, nil
}

// Messages returns a copy of the room's buffer, oldest first.
func (d *Directory) Messages(roomID string) ([]protocol.ChatMessage, error) {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.messages.snapshot(), nil
}

// Clear empties the room's buffer.
func (d *Directory) Clear(roomID string) error {
	r, ok := d.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.messages.reset()
	slog.Debug("room cleared", "room_id", roomID)
	return nil
}

// RemoveByAuthor deletes every message authored by connID in roomID and
// returns the removed ids.
func (d *Directory) RemoveByAuthor(roomID, connID string) []string {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return r.messages.removeAuthor(connID)
}

// DeleteIfEmpty garbage-collects a room whose live member count is zero.
// Group and direct rooms are removed; the public room only has its buffer
// emptied. Safe to call for an absent id. Reports whether the room was
// removed.
func (d *Directory) DeleteIfEmpty(roomID string, liveMembers int) bool {
	r, ok := d.rooms[roomID]
	if !ok || liveMembers > 0 {
		return false
	}
	if r.Kind == protocol.RoomPublic {
		r.messages.reset()
		return false
	}
	d.remove(r)
	return true
}

// Delete removes a group or direct room regardless of membership.
func (d *Directory) Delete(roomID string) error {
	r, ok := d.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if r.Kind == protocol.RoomPublic {
		return ErrPublicRoom
	}
	d.remove(r)
	return nil
}

// SweepUnclaimed deletes groups that nobody joined within ttl and returns
// their ids.
func (d *Directory) SweepUnclaimed(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := d.clock.Now().Add(-ttl)
	var swept []string
	for _, r := range d.rooms {
		if r.Kind == protocol.RoomGroup && !r.Claimed && r.CreatedAt.Before(cutoff) {
			swept = append(swept, r.ID)
		}
	}
	sort.Strings(swept)
	for _, id := range swept {
		d.remove(d.rooms[id])
	}
	return swept
}

func (d *Directory) remove(r *Room) {
	r.messages.reset()
	delete(d.rooms, r.ID)
	for _, fn := range d.onDelete {
		fn(r.ID)
	}
	slog.Info("room deleted", "room_id", r.ID, "kind", string(r.Kind), "remaining_rooms", len(d.rooms))
}
