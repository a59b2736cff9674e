// Package moderation implements group administration and platform-level
// moderation. Operations mutate the owned components and describe the
// notices and disconnects the transport must carry out in an Outcome.
package moderation

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	nanoid "github.com/jaevor/go-nanoid"

	"ephemera/server/internal/ban"
	"ephemera/server/internal/config"
	"ephemera/server/internal/fault"
	"ephemera/server/internal/presence"
	"ephemera/server/internal/protocol"
	"ephemera/server/internal/room"
)

// Error values reported by the controller.
var (
	ErrNotAdmin        = fault.Authorization("only group admins can do that")
	ErrNotGroup        = fault.Validation("this action is only available in groups")
	ErrTargetNotFound  = fault.NotFound("user is not online")
	ErrTargetElsewhere = fault.Authorization("user is not in this room")
	ErrSelfTarget      = fault.Validation("you cannot target yourself")
	ErrNotTargetAdmin  = fault.Validation("user is not an admin")
	ErrLastAdmin       = fault.Validation("a group needs at least one admin")
	ErrUnknownAction   = fault.Validation("unknown admin action")
	ErrDirectContent   = fault.Validation("direct room content is private")
	ErrMissingTarget   = fault.Validation("an ip or connection id is required")
	ErrGroupScopeOnly  = fault.Validation("scoped bans apply to groups only")
	ErrGroupsFrozen    = fault.Authorization("group creation is temporarily disabled")
)

const (
	defaultNotice    = "Attention: moderation."
	defaultReason    = "Moderation"
	banNoticePrefix  = "You were banned: "
	ownerTokenLength = 24
)

// Notice is a final message to one connection.
type Notice struct {
	ConnID string
	Type   string
	Text   string
}

// RoleChange is a role update to broadcast.
type RoleChange struct {
	ConnID string
	Nick   string
	Role   protocol.Role
}

// Outcome lists the side effects of an operation for the transport. Notices
// are delivered before connections in Close are shut down.
type Outcome struct {
	RoomID  string
	Notices []Notice
	Close   []string
	Roles   []RoleChange
	Frozen  *bool
	Cleared bool

	// Evicted are members removed from a deleted room; they receive
	// room_closed.
	Evicted []string
	Deleted bool

	Ban *ban.Ban
}

// Controller is not safe for concurrent use; it is owned by core.Relay.
type Controller struct {
	rooms   *room.Directory
	tracker *presence.Tracker
	bans    *ban.Registry

	owners       map[string]string
	newToken     func() string
	groupsFrozen bool
}

// New returns a controller over the given components.
func New(rooms *room.Directory, tracker *presence.Tracker, bans *ban.Registry) (*Controller, error) {
	gen, err := nanoid.Standard(ownerTokenLength)
	if err != nil {
		return nil, fmt.Errorf("init owner token generator: %w", err)
	}
	return &Controller{
		rooms:    rooms,
		tracker:  tracker,
		bans:     bans,
		owners:   make(map[string]string),
		newToken: gen,
	}, nil
}

// IssueOwnerToken creates the one-shot credential that makes its bearer the
// first admin of roomID.
func (c *Controller) IssueOwnerToken(roomID string) string {
	tok := c.newToken()
	c.owners[roomID] = tok
	return tok
}

// RedeemOwnerToken consumes the owner credential of roomID. It succeeds at
// most once per room.
func (c *Controller) RedeemOwnerToken(roomID, token string) bool {
	want, ok := c.owners[roomID]
	if !ok || token == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return false
	}
	delete(c.owners, roomID)
	return true
}

// ForgetRoom drops per-room state of a deleted room.
func (c *Controller) ForgetRoom(roomID string) {
	delete(c.owners, roomID)
}

// SetGroupCreationFrozen blocks or allows creating new groups.
func (c *Controller) SetGroupCreationFrozen(frozen bool) {
	c.groupsFrozen = frozen
	slog.Info("group creation toggled", "frozen", frozen)
}

// CheckGroupCreation fails while group creation is frozen.
func (c *Controller) CheckGroupCreation() error {
	if c.groupsFrozen {
		return ErrGroupsFrozen
	}
	return nil
}

// GroupCreationFrozen reports the current switch.
func (c *Controller) GroupCreationFrozen() bool { return c.groupsFrozen }

// GroupAction dispatches an in-room admin action from actorID.
func (c *Controller) GroupAction(actorID, action, targetID, message string, minutes int) (Outcome, error) {
	switch action {
	case protocol.ActionWarn:
		return c.Warn(actorID, targetID, message)
	case protocol.ActionKick:
		return c.Kick(actorID, targetID, message)
	case protocol.ActionBan:
		return c.BanIP(actorID, targetID, minutes, message)
	case protocol.ActionPromote:
		return c.Promote(actorID, targetID)
	case protocol.ActionDemote:
		return c.Demote(actorID, targetID)
	case protocol.ActionFreeze:
		return c.FreezeRoom(actorID, true)
	case protocol.ActionUnfreeze:
		return c.FreezeRoom(actorID, false)
	case protocol.ActionClear:
		return c.ClearRoom(actorID)
	case protocol.ActionDelete:
		return c.DeleteGroup(actorID)
	}
	return Outcome{}, ErrUnknownAction
}

// Warn sends a moderation notice to a member of the actor's group.
func (c *Controller) Warn(actorID, targetID, message string) (Outcome, error) {
	_, target, err := c.targetInGroup(actorID, targetID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		RoomID:  target.RoomID,
		Notices: []Notice{{ConnID: target.ConnectionID, Type: protocol.TypeAdminNotice, Text: noticeText(message)}},
	}, nil
}

// Kick disconnects a member of the actor's group after a final notice.
func (c *Controller) Kick(actorID, targetID, message string) (Outcome, error) {
	_, target, err := c.targetInGroup(actorID, targetID)
	if err != nil {
		return Outcome{}, err
	}
	slog.Info("group kick", "room_id", target.RoomID, "actor_id", actorID, "conn_id", target.ConnectionID)
	return kickOutcome(target.RoomID, []presence.Session{target}, noticeText(message)), nil
}

// BanIP bans the target's IP from the actor's group and disconnects every
// member of the group connected from it.
func (c *Controller) BanIP(actorID, targetID string, minutes int, reason string) (Outcome, error) {
	_, target, err := c.targetInGroup(actorID, targetID)
	if err != nil {
		return Outcome{}, err
	}
	return c.banScoped(ban.Scope(target.RoomID), target.IP, minutes, reason), nil
}

// Promote grants the admin role to a member of the actor's group.
func (c *Controller) Promote(actorID, targetID string) (Outcome, error) {
	actor, target, err := c.roleTarget(actorID, targetID)
	if err != nil {
		return Outcome{}, err
	}
	if target.Role != protocol.RoleAdmin {
		if err := c.tracker.SetRole(target.ConnectionID, protocol.RoleAdmin); err != nil {
			return Outcome{}, err
		}
		slog.Info("member promoted", "room_id", actor.RoomID, "actor_id", actorID, "conn_id", target.ConnectionID)
	}
	return Outcome{
		RoomID: actor.RoomID,
		Roles:  []RoleChange{{ConnID: target.ConnectionID, Nick: target.Nick, Role: protocol.RoleAdmin}},
	}, nil
}

// Demote revokes the admin role. Demoting the last admin of a group is
// rejected, including self-demotion; self-demotion is allowed while another
// admin remains.
func (c *Controller) Demote(actorID, targetID string) (Outcome, error) {
	actor, target, err := c.roleTarget(actorID, targetID)
	if err != nil {
		return Outcome{}, err
	}
	if target.Role != protocol.RoleAdmin {
		return Outcome{}, ErrNotTargetAdmin
	}
	if c.tracker.CountRole(actor.RoomID, protocol.RoleAdmin) <= 1 {
		return Outcome{}, ErrLastAdmin
	}
	if err := c.tracker.SetRole(target.ConnectionID, protocol.RoleMember); err != nil {
		return Outcome{}, err
	}
	slog.Info("admin demoted", "room_id", actor.RoomID, "actor_id", actorID, "conn_id", target.ConnectionID)
	return Outcome{
		RoomID: actor.RoomID,
		Roles:  []RoleChange{{ConnID: target.ConnectionID, Nick: target.Nick, Role: protocol.RoleMember}},
	}, nil
}

// FreezeRoom toggles the actor's group read-only.
func (c *Controller) FreezeRoom(actorID string, frozen bool) (Outcome, error) {
	actor, err := c.groupAdmin(actorID)
	if err != nil {
		return Outcome{}, err
	}
	return c.setFrozen(actor.RoomID, frozen)
}

// ClearRoom empties the actor's group buffer.
func (c *Controller) ClearRoom(actorID string) (Outcome, error) {
	actor, err := c.groupAdmin(actorID)
	if err != nil {
		return Outcome{}, err
	}
	return c.clear(actor.RoomID)
}

// DeleteGroup destroys the actor's group. Every member is disconnected.
func (c *Controller) DeleteGroup(actorID string) (Outcome, error) {
	actor, err := c.groupAdmin(actorID)
	if err != nil {
		return Outcome{}, err
	}
	return c.deleteRoom(actor.RoomID)
}

// PlatformWarn sends a notice to any joined connection.
func (c *Controller) PlatformWarn(connID, message string) (Outcome, error) {
	target, ok := c.tracker.Get(connID)
	if !ok {
		return Outcome{}, ErrTargetNotFound
	}
	return Outcome{
		RoomID:  target.RoomID,
		Notices: []Notice{{ConnID: connID, Type: protocol.TypeAdminNotice, Text: noticeText(message)}},
	}, nil
}

// PlatformKick disconnects any joined connection after a final notice.
func (c *Controller) PlatformKick(connID, message string) (Outcome, error) {
	target, ok := c.tracker.Get(connID)
	if !ok {
		return Outcome{}, ErrTargetNotFound
	}
	slog.Info("platform kick", "conn_id", connID, "room_id", target.RoomID)
	return kickOutcome(target.RoomID, []presence.Session{target}, noticeText(message)), nil
}

// PlatformBan bans ip, or the IP of connID when ip is empty. An empty
// roomID bans platform-wide; otherwise the ban is scoped to that group.
func (c *Controller) PlatformBan(ip, connID string, minutes int, reason, roomID string) (Outcome, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" && connID != "" {
		target, ok := c.tracker.Get(connID)
		if !ok {
			return Outcome{}, ErrTargetNotFound
		}
		ip = target.IP
	}
	if ip == "" {
		return Outcome{}, ErrMissingTarget
	}
	scope := ban.Global
	if roomID != "" {
		r, ok := c.rooms.Lookup(roomID)
		if !ok {
			return Outcome{}, room.ErrRoomNotFound
		}
		if r.Kind != protocol.RoomGroup {
			return Outcome{}, ErrGroupScopeOnly
		}
		scope = ban.Scope(roomID)
	}
	return c.banScoped(scope, ip, minutes, reason), nil
}

// Unban lifts a ban. It reports whether one existed.
func (c *Controller) Unban(ip, roomID string) bool {
	return c.bans.Unban(ban.Scope(roomID), ip)
}

// PlatformFreeze toggles any room read-only.
func (c *Controller) PlatformFreeze(roomID string, frozen bool) (Outcome, error) {
	return c.setFrozen(roomID, frozen)
}

// PlatformClear empties a public or group buffer.
func (c *Controller) PlatformClear(roomID string) (Outcome, error) {
	return c.clear(roomID)
}

// PlatformDelete destroys a group or closes a direct room.
func (c *Controller) PlatformDelete(roomID string) (Outcome, error) {
	return c.deleteRoom(roomID)
}

func (c *Controller) setFrozen(roomID string, frozen bool) (Outcome, error) {
	r, ok := c.rooms.Lookup(roomID)
	if !ok {
		return Outcome{}, room.ErrRoomNotFound
	}
	r.Frozen = frozen
	slog.Info("room freeze toggled", "room_id", roomID, "frozen", frozen)
	return Outcome{RoomID: roomID, Frozen: &frozen}, nil
}

func (c *Controller) clear(roomID string) (Outcome, error) {
	r, ok := c.rooms.Lookup(roomID)
	if !ok {
		return Outcome{}, room.ErrRoomNotFound
	}
	if r.Kind == protocol.RoomDirect {
		return Outcome{}, ErrDirectContent
	}
	if err := c.rooms.Clear(roomID); err != nil {
		return Outcome{}, err
	}
	slog.Info("room messages cleared", "room_id", roomID)
	return Outcome{RoomID: roomID, Cleared: true}, nil
}

func (c *Controller) deleteRoom(roomID string) (Outcome, error) {
	r, ok := c.rooms.Lookup(roomID)
	if !ok {
		return Outcome{}, room.ErrRoomNotFound
	}
	if r.Kind == protocol.RoomPublic {
		return Outcome{}, room.ErrPublicRoom
	}
	members := c.tracker.ListByRoom(roomID)
	out := Outcome{RoomID: roomID, Deleted: true}
	for _, m := range members {
		out.Evicted = append(out.Evicted, m.ConnectionID)
		if r.Kind == protocol.RoomDirect {
			c.tracker.LeaveDirect(m.ConnectionID, roomID)
		} else {
			out.Close = append(out.Close, m.ConnectionID)
		}
	}
	if err := c.rooms.Delete(roomID); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (c *Controller) banScoped(scope ban.Scope, ip string, minutes int, reason string) Outcome {
	reason = clamp(strings.TrimSpace(reason), config.MaxReasonLength)
	if reason == "" {
		reason = defaultReason
	}
	b := c.bans.Ban(scope, ip, minutes, reason)

	var hit []presence.Session
	for _, s := range c.tracker.ByIP(b.IP) {
		if scope == ban.Global || s.RoomID == string(scope) {
			hit = append(hit, s)
		}
	}
	out := Outcome{RoomID: string(scope), Ban: &b}
	text := banNoticePrefix + reason
	for _, s := range hit {
		out.Notices = append(out.Notices, Notice{ConnID: s.ConnectionID, Type: protocol.TypeAdminBan, Text: text})
		out.Close = append(out.Close, s.ConnectionID)
	}
	return out
}

func kickOutcome(roomID string, targets []presence.Session, text string) Outcome {
	out := Outcome{RoomID: roomID}
	for _, s := range targets {
		out.Notices = append(out.Notices, Notice{ConnID: s.ConnectionID, Type: protocol.TypeAdminKick, Text: text})
		out.Close = append(out.Close, s.ConnectionID)
	}
	return out
}

// groupAdmin returns the actor's session when it is an admin of a group.
func (c *Controller) groupAdmin(actorID string) (presence.Session, error) {
	actor, ok := c.tracker.Get(actorID)
	if !ok {
		return presence.Session{}, presence.ErrNoSession
	}
	r, ok := c.rooms.Lookup(actor.RoomID)
	if !ok {
		return presence.Session{}, room.ErrRoomNotFound
	}
	if r.Kind != protocol.RoomGroup {
		return presence.Session{}, ErrNotGroup
	}
	if actor.Role != protocol.RoleAdmin {
		return presence.Session{}, ErrNotAdmin
	}
	return actor, nil
}

// roleTarget resolves a target in the actor's group; the actor may name
// themself.
func (c *Controller) roleTarget(actorID, targetID string) (presence.Session, presence.Session, error) {
	actor, err := c.groupAdmin(actorID)
	if err != nil {
		return presence.Session{}, presence.Session{}, err
	}
	target, ok := c.tracker.Get(targetID)
	if !ok {
		return presence.Session{}, presence.Session{}, ErrTargetNotFound
	}
	if target.RoomID != actor.RoomID {
		return presence.Session{}, presence.Session{}, ErrTargetElsewhere
	}
	return actor, target, nil
}

// targetInGroup resolves a target other than the actor in the actor's group.
func (c *Controller) targetInGroup(actorID, targetID string) (presence.Session, presence.Session, error) {
	actor, target, err := c.roleTarget(actorID, targetID)
	if err != nil {
		return presence.Session{}, presence.Session{}, err
	}
	if actor.ConnectionID == target.ConnectionID {
		return presence.Session{}, presence.Session{}, ErrSelfTarget
	}
	return actor, target, nil
}

func noticeText(message string) string {
	message = clamp(strings.TrimSpace(message), config.MaxWarnLength)
	if message == "" {
		return defaultNotice
	}
	return message
}

func clamp(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
