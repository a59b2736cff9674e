package core

import (
	"context"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"ephemera/server/internal/ban"
	"ephemera/server/internal/identity"
	"ephemera/server/internal/protocol"
	"ephemera/server/internal/room"
)

// JoinPublic puts connID in the public room under nick. A connection that
// already has a session is moved.
func (r *Relay) JoinPublic(connID, nick string) error {
	nick, err := identity.Normalize(nick)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.conn(connID)
	if err != nil {
		return err
	}
	if c.joining {
		return ErrJoinInProgress
	}
	if err := r.checkBansLocked(c.IP, ban.Global); err != nil {
		return err
	}
	pub := r.rooms.EnsurePublic()
	return r.commitJoinLocked(c, nick, pub, "")
}

// JoinGroup puts connID in group roomID after verifying password. The hash
// comparison runs without the relay lock; room existence, freeze state and
// bans are checked again before the join is committed.
func (r *Relay) JoinGroup(ctx context.Context, connID, roomID, nick, password, ownerToken string) error {
	nick, err := identity.Normalize(nick)
	if err != nil {
		return err
	}

	r.mu.Lock()
	c, err := r.conn(connID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if c.joining {
		r.mu.Unlock()
		return ErrJoinInProgress
	}
	g, err := r.groupForJoinLocked(c, roomID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	hash := g.PasswordHash
	c.joining = true
	r.mu.Unlock()

	verifyErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	r.mu.Lock()
	defer r.mu.Unlock()
	c.joining = false

	if verifyErr != nil {
		slog.Debug("group password rejected", "conn_id", connID, "room_id", roomID)
		return ErrWrongPassword
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if cur, ok := r.conns[connID]; !ok || cur != c || c.closed {
		return ErrConnClosed
	}
	g, err = r.groupForJoinLocked(c, roomID)
	if err != nil {
		return err
	}
	return r.commitJoinLocked(c, nick, g, ownerToken)
}

func (r *Relay) groupForJoinLocked(c *Conn, roomID string) (*room.Room, error) {
	g, ok := r.rooms.Lookup(roomID)
	if !ok || g.Kind != protocol.RoomGroup {
		return nil, ErrNotGroupRoom
	}
	if g.Frozen {
		return nil, ErrGroupFrozen
	}
	if err := r.checkBansLocked(c.IP, ban.Scope(g.ID)); err != nil {
		return nil, err
	}
	return g, nil
}

// commitJoinLocked registers or moves the session, then sends the snapshot
// to the joiner and presence to the room.
func (r *Relay) commitJoinLocked(c *Conn, nick string, target *room.Room, ownerToken string) error {
	if prev, ok := r.tracker.Get(c.ID); ok {
		if _, err := r.tracker.Move(c.ID, nick, target.ID); err != nil {
			return err
		}
		if prev.RoomID != target.ID {
			r.broadcastLocked(prev.RoomID, protocol.Event{Type: protocol.TypePresence, RoomID: prev.RoomID, Presence: protocol.PresenceLeave, Nick: prev.Nick})
			r.sendUsersLocked(prev.RoomID)
			r.collectLocked(prev.RoomID)
		}
	} else if _, err := r.tracker.Register(c.ID, nick, target.ID, c.IP); err != nil {
		return err
	}

	if target.Kind == protocol.RoomGroup && ownerToken != "" && r.mod.RedeemOwnerToken(target.ID, ownerToken) {
		if err := r.tracker.SetRole(c.ID, protocol.RoleAdmin); err != nil {
			return err
		}
		slog.Info("group owner joined", "conn_id", c.ID, "room_id", target.ID)
	}
	target.Claimed = true

	r.metrics.RecordJoin(target.ID, r.tracker.CountInRoom(target.ID), r.tracker.Count())

	msgs, err := r.rooms.Messages(target.ID)
	if err != nil {
		return err
	}
	info := target.Info()
	r.sendLocked(c.ID, protocol.Event{
		Type:     protocol.TypeRoomSnapshot,
		RoomID:   target.ID,
		SelfID:   c.ID,
		Room:     &info,
		Messages: msgs,
		Role:     r.tracker.Role(c.ID),
	})
	r.broadcastLocked(target.ID, protocol.Event{Type: protocol.TypePresence, RoomID: target.ID, Presence: protocol.PresenceJoin, Nick: nick})
	r.sendUsersLocked(target.ID)

	slog.Info("session joined", "conn_id", c.ID, "nick", nick, "room_id", target.ID, "kind", string(target.Kind))
	return nil
}
