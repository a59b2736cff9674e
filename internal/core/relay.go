// Package core wires the relay components together. Relay is the single
// owner of all shared state: every mutation happens under its mutex, which
// serializes connection events, admin calls and the periodic tick.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"ephemera/server/internal/ban"
	"ephemera/server/internal/clock"
	"ephemera/server/internal/config"
	"ephemera/server/internal/fault"
	"ephemera/server/internal/metrics"
	"ephemera/server/internal/moderation"
	"ephemera/server/internal/presence"
	"ephemera/server/internal/protocol"
	"ephemera/server/internal/room"
	"ephemera/server/internal/router"
)

// Error values reported by the relay.
var (
	ErrUnknownConn     = fault.NotFound("connection not found")
	ErrJoinInProgress  = fault.Validation("a join is already in progress")
	ErrConnClosed      = fault.StaleState("connection closed while joining")
	ErrNotGroupRoom    = fault.NotFound("group does not exist (or has expired)")
	ErrGroupFrozen     = fault.Authorization("group is frozen")
	ErrWrongPassword   = fault.Authorization("wrong password")
	ErrPeerGone        = fault.NotFound("user is no longer online")
	ErrPeerElsewhere   = fault.Validation("user is not in this room")
	ErrSelfDirect      = fault.Validation("you cannot message yourself")
	ErrNotDirectMember = fault.Authorization("you are not in this conversation")
	ErrWeakPassword    = fault.Validation("password needs at least 3 characters")
	ErrRoomNotListed   = fault.NotFound("room does not exist (or has expired)")
)

// BanError rejects a banned client. Its message is the final notice shown
// to the client.
type BanError struct {
	Ban ban.Ban
}

func (e *BanError) Error() string {
	if e.Ban.Reason == "" {
		return "You are banned"
	}
	return "You are banned: " + e.Ban.Reason
}

// Unwrap classifies the error as an authorization failure.
func (e *BanError) Unwrap() error { return router.ErrBanned }

// Conn is one transport connection. Outbound events are queued on Send;
// the transport drains it and closes the socket once it is closed.
type Conn struct {
	ID          string
	IP          string
	ConnectedAt time.Time
	Send        chan protocol.Event

	closed  bool
	joining bool
}

// Relay is safe for concurrent use.
type Relay struct {
	mu sync.Mutex

	cfg      config.Config
	clock    clock.Clock
	rooms    *room.Directory
	tracker  *presence.Tracker
	bans     *ban.Registry
	metrics  *metrics.Aggregator
	router   *router.Router
	mod      *moderation.Controller
	conns    map[string]*Conn
	tickHook []func()
}

// New builds a relay from cfg. When reg is non-nil the metrics collectors
// are registered on it.
func New(cfg config.Config, c clock.Clock, reg prometheus.Registerer) (*Relay, error) {
	rooms, err := room.NewDirectory(c, room.Limits{
		RoomCapacity:   cfg.RoomCapacity,
		DirectCapacity: cfg.DirectCapacity,
	}, cfg.PublicRoomID, cfg.PublicRoomName)
	if err != nil {
		return nil, fmt.Errorf("create room directory: %w", err)
	}
	agg, err := metrics.New(c, reg)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	tracker := presence.NewTracker(c, cfg.CollationLocale)
	bans := ban.NewRegistry(c)
	mod, err := moderation.New(rooms, tracker, bans)
	if err != nil {
		return nil, fmt.Errorf("create moderation: %w", err)
	}

	r := &Relay{
		cfg:     cfg,
		clock:   c,
		rooms:   rooms,
		tracker: tracker,
		bans:    bans,
		metrics: agg,
		mod:     mod,
		conns:   make(map[string]*Conn),
		router: router.New(c, rooms, tracker, bans, agg, router.Limits{
			MaxText:   cfg.MaxTextLength,
			MaxBinary: cfg.MaxBinaryBytes,
			MaxEmoji:  cfg.MaxEmojiLength,
		}),
	}
	rooms.OnDelete(agg.ForgetRoom)
	rooms.OnDelete(mod.ForgetRoom)
	rooms.OnDelete(func(id string) { bans.DropScope(ban.Scope(id)) })
	return r, nil
}

// Connect admits a new connection from ip. A globally banned IP is
// rejected with a *BanError.
func (r *Relay) Connect(ip string) (*Conn, error) {
	ip = ban.NormalizeIP(ip)

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, banned := r.bans.Check(ban.Global, ip); banned {
		slog.Info("banned connection rejected", "ip", ip)
		return nil, &BanError{Ban: b}
	}
	c := &Conn{
		ID:          uuid.NewString(),
		IP:          ip,
		ConnectedAt: r.clock.Now(),
		Send:        make(chan protocol.Event, r.cfg.SendBuffer),
	}
	r.conns[c.ID] = c
	r.sendLocked(c.ID, protocol.Event{Type: protocol.TypeHello, SelfID: c.ID, TS: c.ConnectedAt.UnixMilli()})

	slog.Info("connection opened", "conn_id", c.ID, "ip", ip, "total_conns", len(r.conns))
	return c, nil
}

// Disconnect tears down connID: its session is removed, its messages in
// its primary room are redacted and rooms left empty are collected. Safe
// to call more than once.
func (r *Relay) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	r.detachLocked(connID)
	r.closeLocked(c)
	delete(r.conns, connID)
	slog.Info("connection closed", "conn_id", connID, "remaining_conns", len(r.conns))
}

// Notify queues ev for connID alone.
func (r *Relay) Notify(connID string, ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendLocked(connID, ev)
}

// ClientCount returns the number of open connections.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// OnTick registers fn to run after every Tick, outside the relay lock.
func (r *Relay) OnTick(fn func()) {
	r.mu.Lock()
	r.tickHook = append(r.tickHook, fn)
	r.mu.Unlock()
}

// Tick samples the online count and sweeps groups nobody ever joined.
func (r *Relay) Tick() {
	r.mu.Lock()
	r.metrics.SampleOnlineTick(r.tracker.Count())
	swept := r.rooms.SweepUnclaimed(r.cfg.UnclaimedGroupTTL)
	for _, scope := range r.bans.Scopes() {
		r.bans.Active(scope)
	}
	hooks := append([]func(){}, r.tickHook...)
	r.mu.Unlock()

	if len(swept) > 0 {
		slog.Info("unclaimed groups swept", "count", len(swept))
	}
	for _, fn := range hooks {
		fn()
	}
}

// Run calls Tick every interval until ctx is canceled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// detachLocked removes the session of connID and notifies the rooms it
// was in. The connection itself stays open.
func (r *Relay) detachLocked(connID string) {
	s, ok := r.tracker.Remove(connID)
	if !ok {
		return
	}
	if ids := r.rooms.RemoveByAuthor(s.RoomID, connID); len(ids) > 0 {
		r.broadcastLocked(s.RoomID, protocol.Event{Type: protocol.TypeMessageDeleted, RoomID: s.RoomID, IDs: ids})
	}
	r.broadcastLocked(s.RoomID, protocol.Event{Type: protocol.TypePresence, RoomID: s.RoomID, Presence: protocol.PresenceLeave, Nick: s.Nick})
	r.sendUsersLocked(s.RoomID)

	r.metrics.RecordSessionClosed(r.clock.Now().Sub(s.ConnectedAt))
	r.metrics.RecordLeave(r.tracker.Count())

	r.collectLocked(s.RoomID)
	for _, dm := range s.Direct {
		r.sendUsersLocked(dm)
		r.collectLocked(dm)
	}
	slog.Info("session ended", "conn_id", connID, "nick", s.Nick, "room_id", s.RoomID)
}

// collectLocked deletes roomID if nobody is in it, re-querying live
// membership at call time.
func (r *Relay) collectLocked(roomID string) {
	r.rooms.DeleteIfEmpty(roomID, r.tracker.CountInRoom(roomID))
}

func (r *Relay) closeLocked(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

// closeConnLocked enqueues nothing more for connID and lets the transport
// shut it down after draining what is queued.
func (r *Relay) closeConnLocked(connID string) {
	if c, ok := r.conns[connID]; ok {
		r.closeLocked(c)
	}
}

// sendLocked enqueues ev for connID without blocking. A connection whose
// queue is full is closed.
func (r *Relay) sendLocked(connID string, ev protocol.Event) bool {
	c, ok := r.conns[connID]
	if !ok || c.closed {
		return false
	}
	select {
	case c.Send <- ev:
		return true
	default:
		slog.Warn("closing slow consumer", "conn_id", connID, "queued", len(c.Send), "type", ev.Type)
		r.closeLocked(c)
		return false
	}
}

// broadcastLocked sends ev to every member of roomID.
func (r *Relay) broadcastLocked(roomID string, ev protocol.Event) {
	members := r.tracker.ListByRoom(roomID)
	sent := 0
	for _, s := range members {
		if r.sendLocked(s.ConnectionID, ev) {
			sent++
		}
	}
	slog.Debug("broadcast", "type", ev.Type, "room_id", roomID, "recipients", sent, "total", len(members))
}

func (r *Relay) sendUsersLocked(roomID string) {
	if _, ok := r.rooms.Lookup(roomID); !ok {
		return
	}
	members := r.tracker.ListByRoom(roomID)
	users := make([]protocol.User, 0, len(members))
	for _, s := range members {
		users = append(users, s.User())
	}
	r.broadcastLocked(roomID, protocol.Event{Type: protocol.TypeUsersList, RoomID: roomID, Users: users})
}

func (r *Relay) conn(connID string) (*Conn, error) {
	c, ok := r.conns[connID]
	if !ok {
		return nil, ErrUnknownConn
	}
	return c, nil
}

func (r *Relay) checkBansLocked(ip string, scope ban.Scope) error {
	if b, banned := r.bans.Check(ban.Global, ip); banned {
		return &BanError{Ban: b}
	}
	if scope == ban.Global {
		return nil
	}
	if b, banned := r.bans.Check(scope, ip); banned {
		return &BanError{Ban: b}
	}
	return nil
}

// IsBan reports whether err rejects a banned client.
func IsBan(err error) (*BanError, bool) {
	var be *BanError
	ok := errors.As(err, &be)
	return be, ok
}
