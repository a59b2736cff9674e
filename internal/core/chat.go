package core

import (
	"log/slog"

	"ephemera/server/internal/ban"
	"ephemera/server/internal/presence"
	"ephemera/server/internal/protocol"
	"ephemera/server/internal/room"
)

// SendMessage submits a message from connID to roomID, or to its primary
// room when roomID is empty, and broadcasts it to the room.
func (r *Relay) SendMessage(connID, roomID string, kind protocol.Kind, content string, reply *protocol.ReplyRef) (protocol.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, err := r.router.Submit(connID, roomID, kind, content, reply)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	msg := acc.Message
	r.broadcastLocked(msg.RoomID, protocol.Event{Type: protocol.TypeMessageNew, RoomID: msg.RoomID, Message: &msg})
	return msg, nil
}

// React adds emoji to msgID and broadcasts the updated counters.
func (r *Relay) React(connID, roomID, msgID, emoji string) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.router.React(connID, roomID, msgID, emoji)
	if err != nil {
		return nil, err
	}
	r.broadcastLocked(res.RoomID, protocol.Event{
		Type:      protocol.TypeMessageReaction,
		RoomID:    res.RoomID,
		MessageID: res.MessageID,
		Reactions: res.Reactions,
	})
	return res.Reactions, nil
}

// StartDirect opens the direct room between connID and peerID. Both must
// share a primary room. Each side receives dm_ready and a snapshot.
func (r *Relay) StartDirect(connID, peerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	me, ok := r.tracker.Get(connID)
	if !ok {
		return "", presence.ErrNoSession
	}
	if err := r.checkBansLocked(me.IP, ban.Scope(me.RoomID)); err != nil {
		return "", err
	}
	if peerID == connID {
		return "", ErrSelfDirect
	}
	peer, ok := r.tracker.Get(peerID)
	if !ok {
		return "", ErrPeerGone
	}
	if peer.RoomID != me.RoomID {
		return "", ErrPeerElsewhere
	}

	dm := r.rooms.EnsureDirect(connID, peerID)
	for _, id := range []string{connID, peerID} {
		if _, err := r.tracker.JoinDirect(id, dm.ID); err != nil {
			return "", err
		}
	}
	r.metrics.RecordJoin(dm.ID, r.tracker.CountInRoom(dm.ID), r.tracker.Count())
	msgs, err := r.rooms.Messages(dm.ID)
	if err != nil {
		return "", err
	}
	info := dm.Info()
	for _, pair := range [][2]string{{connID, peerID}, {peerID, connID}} {
		other, _ := r.tracker.Get(pair[1])
		u := other.User()
		r.sendLocked(pair[0], protocol.Event{Type: protocol.TypeDMReady, DMID: dm.ID, RoomID: dm.ID, Peer: &u})
		r.sendLocked(pair[0], protocol.Event{Type: protocol.TypeRoomSnapshot, RoomID: dm.ID, Room: &info, Messages: msgs})
	}
	slog.Info("direct room opened", "room_id", dm.ID, "conn_id", connID, "peer_id", peerID)
	return dm.ID, nil
}

// LeaveDirect drops connID from direct room dmID. The room is collected
// once both sides left.
func (r *Relay) LeaveDirect(connID, dmID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tracker.Get(connID); !ok {
		return presence.ErrNoSession
	}
	dm, ok := r.rooms.Lookup(dmID)
	if !ok || dm.Kind != protocol.RoomDirect {
		return room.ErrRoomNotFound
	}
	if !r.tracker.LeaveDirect(connID, dmID) {
		return ErrNotDirectMember
	}
	r.sendLocked(connID, protocol.Event{Type: protocol.TypeRoomClosed, RoomID: dmID})
	r.sendUsersLocked(dmID)
	r.collectLocked(dmID)
	return nil
}

// GroupAdminAction performs an in-room admin action from connID and
// carries out its notices and disconnects.
func (r *Relay) GroupAdminAction(connID, action, targetID, message string, minutes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	out, err := r.mod.GroupAction(connID, action, targetID, message, minutes)
	if err != nil {
		return err
	}
	r.applyLocked(out)
	return nil
}
