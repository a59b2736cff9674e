package core

import (
	"log/slog"
	"time"

	"ephemera/server/internal/ban"
	"ephemera/server/internal/metrics"
	"ephemera/server/internal/moderation"
	"ephemera/server/internal/protocol"
	"ephemera/server/internal/room"
)

// applyLocked delivers the side effects of a moderation outcome. Notices
// are queued before any connection is closed so they are the last thing
// the target reads.
func (r *Relay) applyLocked(out moderation.Outcome) {
	for _, n := range out.Notices {
		r.sendLocked(n.ConnID, protocol.Event{Type: n.Type, RoomID: out.RoomID, Text: n.Text})
	}
	if len(out.Roles) > 0 {
		for _, rc := range out.Roles {
			r.broadcastLocked(out.RoomID, protocol.Event{
				Type:     protocol.TypeRoleChanged,
				RoomID:   out.RoomID,
				TargetID: rc.ConnID,
				Nick:     rc.Nick,
				Role:     rc.Role,
			})
		}
		r.sendUsersLocked(out.RoomID)
	}
	if out.Frozen != nil {
		frozen := *out.Frozen
		r.broadcastLocked(out.RoomID, protocol.Event{Type: protocol.TypeRoomFrozen, RoomID: out.RoomID, Frozen: &frozen})
	}
	if out.Cleared {
		r.broadcastLocked(out.RoomID, protocol.Event{Type: protocol.TypeRoomCleared, RoomID: out.RoomID})
	}
	for _, id := range out.Evicted {
		r.sendLocked(id, protocol.Event{Type: protocol.TypeRoomClosed, RoomID: out.RoomID})
	}
	if out.Ban != nil && out.Ban.Scope == ban.Global {
		notice := (&BanError{Ban: *out.Ban}).Error()
		for id, c := range r.conns {
			if c.IP != out.Ban.IP || contains(out.Close, id) {
				continue
			}
			r.sendLocked(id, protocol.Event{Type: protocol.TypeAdminBan, Text: notice})
			out.Close = append(out.Close, id)
		}
	}
	for _, id := range out.Close {
		r.detachLocked(id)
		r.closeConnLocked(id)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// AdminWarn sends a moderation notice to connID.
func (r *Relay) AdminWarn(connID, message string) error {
	return r.moderate(func() (moderation.Outcome, error) { return r.mod.PlatformWarn(connID, message) })
}

// AdminKick disconnects connID after a final notice.
func (r *Relay) AdminKick(connID, message string) error {
	return r.moderate(func() (moderation.Outcome, error) { return r.mod.PlatformKick(connID, message) })
}

// AdminBan bans ip (or the IP of connID) platform-wide, or in group roomID
// when set, and disconnects the affected connections.
func (r *Relay) AdminBan(ip, connID string, minutes int, reason, roomID string) (ban.Ban, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out, err := r.mod.PlatformBan(ip, connID, minutes, reason, roomID)
	if err != nil {
		return ban.Ban{}, err
	}
	r.applyLocked(out)
	return *out.Ban, nil
}

// AdminUnban lifts a ban and reports whether one existed.
func (r *Relay) AdminUnban(ip, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mod.Unban(ip, roomID)
}

// AdminFreeze toggles any room read-only.
func (r *Relay) AdminFreeze(roomID string, frozen bool) error {
	return r.moderate(func() (moderation.Outcome, error) { return r.mod.PlatformFreeze(roomID, frozen) })
}

// AdminClear empties a public or group room.
func (r *Relay) AdminClear(roomID string) error {
	return r.moderate(func() (moderation.Outcome, error) { return r.mod.PlatformClear(roomID) })
}

// AdminDelete destroys a group or closes a direct room.
func (r *Relay) AdminDelete(roomID string) error {
	return r.moderate(func() (moderation.Outcome, error) { return r.mod.PlatformDelete(roomID) })
}

// SetGroupCreationFrozen blocks or allows creating new groups.
func (r *Relay) SetGroupCreationFrozen(frozen bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mod.SetGroupCreationFrozen(frozen)
}

func (r *Relay) moderate(op func() (moderation.Outcome, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	out, err := op()
	if err != nil {
		return err
	}
	r.applyLocked(out)
	return nil
}

// RoomState is one row of the admin room table.
type RoomState struct {
	ID           string            `json:"id"`
	Kind         protocol.RoomKind `json:"kind"`
	Name         string            `json:"name"`
	CreatedAt    int64             `json:"created_at"`
	LastActivity int64             `json:"last_activity"`
	Online       int               `json:"online"`
	MessageCount int               `json:"message_count"`
	Frozen       bool              `json:"frozen"`
}

// UserState is one online session in the admin view.
type UserState struct {
	ConnectionID string        `json:"connection_id"`
	Nick         string        `json:"nick"`
	RoomID       string        `json:"room_id"`
	IP           string        `json:"ip"`
	Role         protocol.Role `json:"role"`
	JoinedAt     int64         `json:"joined_at"`
}

// BanState is one active ban in the admin view.
type BanState struct {
	IP        string `json:"ip"`
	RoomID    string `json:"room_id,omitempty"`
	Reason    string `json:"reason"`
	CreatedAt int64  `json:"created_at"`
	Until     int64  `json:"until,omitempty"`
	Permanent bool   `json:"permanent"`
}

// DirectState is the metadata of a direct room. Content is never exposed.
type DirectState struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	MessageCount int      `json:"message_count"`
	CreatedAt    int64    `json:"created_at"`
}

// AdminState is the full admin overview.
type AdminState struct {
	Rooms               []RoomState   `json:"rooms"`
	Users               []UserState   `json:"users"`
	Bans                []BanState    `json:"bans"`
	Directs             []DirectState `json:"directs"`
	Connections         int           `json:"connections"`
	GroupCreationFrozen bool          `json:"group_creation_frozen"`
}

// State returns the admin overview.
func (r *Relay) State() AdminState {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := r.tracker.CountByRoom()
	st := AdminState{
		Rooms:               []RoomState{},
		Users:               []UserState{},
		Bans:                []BanState{},
		Directs:             []DirectState{},
		Connections:         len(r.conns),
		GroupCreationFrozen: r.mod.GroupCreationFrozen(),
	}
	for _, rm := range r.rooms.Rooms() {
		st.Rooms = append(st.Rooms, roomState(rm, counts[rm.ID]))
		if rm.Kind == protocol.RoomDirect {
			d := DirectState{ID: rm.ID, MessageCount: rm.MessageCount(), CreatedAt: rm.CreatedAt.UnixMilli()}
			for _, s := range r.tracker.ListByRoom(rm.ID) {
				d.Participants = append(d.Participants, s.Nick)
			}
			st.Directs = append(st.Directs, d)
		}
	}
	for _, s := range r.tracker.All() {
		st.Users = append(st.Users, UserState{
			ConnectionID: s.ConnectionID,
			Nick:         s.Nick,
			RoomID:       s.RoomID,
			IP:           s.IP,
			Role:         s.Role,
			JoinedAt:     s.ConnectedAt.UnixMilli(),
		})
	}
	for _, scope := range r.bans.Scopes() {
		for _, b := range r.bans.Active(scope) {
			bs := BanState{
				IP:        b.IP,
				RoomID:    string(b.Scope),
				Reason:    b.Reason,
				CreatedAt: b.CreatedAt.UnixMilli(),
				Permanent: b.Permanent(),
			}
			if !b.Permanent() {
				bs.Until = b.Until.UnixMilli()
			}
			st.Bans = append(st.Bans, bs)
		}
	}
	return st
}

func roomState(rm *room.Room, online int) RoomState {
	return RoomState{
		ID:           rm.ID,
		Kind:         rm.Kind,
		Name:         rm.Name,
		CreatedAt:    rm.CreatedAt.UnixMilli(),
		LastActivity: rm.LastActivity.UnixMilli(),
		Online:       online,
		MessageCount: rm.MessageCount(),
		Frozen:       rm.Frozen,
	}
}

// Metrics returns the metrics report.
func (r *Relay) Metrics() metrics.Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := r.tracker.All()
	in := metrics.Input{
		Online:    len(sessions),
		Connected: make([]time.Time, 0, len(sessions)),
		Flags: metrics.Flags{
			GroupCreationEnabled: !r.mod.GroupCreationFrozen(),
		},
	}
	for _, s := range sessions {
		in.Connected = append(in.Connected, s.ConnectedAt)
	}
	counts := r.tracker.CountByRoom()
	for _, rm := range r.rooms.Rooms() {
		if rm.Kind == protocol.RoomPublic {
			in.Flags.PublicFrozen = rm.Frozen
		}
		in.Rooms = append(in.Rooms, metrics.RoomSample{
			ID:           rm.ID,
			Name:         rm.Name,
			Kind:         rm.Kind,
			Online:       counts[rm.ID],
			CreatedAt:    rm.CreatedAt,
			Frozen:       rm.Frozen,
			LastActivity: rm.LastActivity,
			MessageCount: rm.MessageCount(),
		})
	}
	return r.metrics.Snapshot(in)
}

// RoomDetail is the admin inspection of one room. Messages are left out
// for direct rooms.
type RoomDetail struct {
	Room     RoomState              `json:"room"`
	Users    []protocol.User        `json:"users"`
	Peak     PeakState              `json:"peak"`
	Messages []protocol.ChatMessage `json:"messages,omitempty"`
}

// PeakState is an all-time peak.
type PeakState struct {
	Count int   `json:"count"`
	At    int64 `json:"at,omitempty"`
}

// InspectRoom returns the admin view of roomID.
func (r *Relay) InspectRoom(roomID string) (RoomDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms.Lookup(roomID)
	if !ok {
		return RoomDetail{}, room.ErrRoomNotFound
	}
	members := r.tracker.ListByRoom(roomID)
	d := RoomDetail{Room: roomState(rm, len(members)), Users: make([]protocol.User, 0, len(members))}
	for _, s := range members {
		d.Users = append(d.Users, s.User())
	}
	if p := r.metrics.RoomPeak(roomID); p.Count > 0 {
		d.Peak = PeakState{Count: p.Count, At: p.At.UnixMilli()}
	}
	if rm.Kind != protocol.RoomDirect {
		msgs, err := r.rooms.Messages(roomID)
		if err != nil {
			return RoomDetail{}, err
		}
		d.Messages = msgs
	}
	slog.Debug("room inspected", "room_id", roomID)
	return d, nil
}
