package core

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ephemera/server/internal/clock"
	"ephemera/server/internal/config"
	"ephemera/server/internal/fault"
	"ephemera/server/internal/protocol"
)

func newTestRelay(t *testing.T, mutate ...func(*config.Config)) (*Relay, *clock.FakeClock) {
	t.Helper()
	cfg := config.Default()
	cfg.BcryptCost = bcrypt.MinCost
	for _, m := range mutate {
		m(&cfg)
	}
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, err := New(cfg, clk, prometheus.NewRegistry())
	require.NoError(t, err)
	return r, clk
}

// drain returns everything queued on c and whether the queue is still open.
func drain(c *Conn) ([]protocol.Event, bool) {
	var evs []protocol.Event
	for {
		select {
		case ev, ok := <-c.Send:
			if !ok {
				return evs, false
			}
			evs = append(evs, ev)
		default:
			return evs, true
		}
	}
}

func lastOfType(evs []protocol.Event, typ string) (protocol.Event, bool) {
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == typ {
			return evs[i], true
		}
	}
	return protocol.Event{}, false
}

func nicks(users []protocol.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Nick)
	}
	return out
}

func joinPublic(t *testing.T, r *Relay, ip, nick string) *Conn {
	t.Helper()
	c, err := r.Connect(ip)
	require.NoError(t, err)
	require.NoError(t, r.JoinPublic(c.ID, nick))
	return c
}

func TestConnectSendsHello(t *testing.T) {
	r, _ := newTestRelay(t)
	c, err := r.Connect("10.0.0.1")
	require.NoError(t, err)

	evs, open := drain(c)
	require.True(t, open)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.TypeHello, evs[0].Type)
	assert.Equal(t, c.ID, evs[0].SelfID)
	assert.Equal(t, 1, r.ClientCount())
}

func TestJoinPublicUsersList(t *testing.T) {
	r, _ := newTestRelay(t)
	ana := joinPublic(t, r, "10.0.0.1", "  Ana  ")
	bea := joinPublic(t, r, "10.0.0.2", "Bea")

	evs, _ := drain(ana)
	snap, ok := lastOfType(evs, protocol.TypeRoomSnapshot)
	require.True(t, ok)
	assert.Equal(t, "general", snap.RoomID)
	assert.Equal(t, ana.ID, snap.SelfID)
	assert.Equal(t, protocol.RoleMember, snap.Role)

	users, ok := lastOfType(evs, protocol.TypeUsersList)
	require.True(t, ok)
	assert.Equal(t, []string{"Ana", "Bea"}, nicks(users.Users))

	presence, ok := lastOfType(evs, protocol.TypePresence)
	require.True(t, ok)
	assert.Equal(t, protocol.PresenceJoin, presence.Presence)
	assert.Equal(t, "Bea", presence.Nick)

	_, _ = drain(bea)
}

func TestJoinPublicInvalidNick(t *testing.T) {
	r, _ := newTestRelay(t)
	c, err := r.Connect("10.0.0.1")
	require.NoError(t, err)

	err = r.JoinPublic(c.ID, "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrValidation)
}

func TestSendMessageBroadcast(t *testing.T) {
	r, _ := newTestRelay(t)
	ana := joinPublic(t, r, "10.0.0.1", "Ana")
	bea := joinPublic(t, r, "10.0.0.2", "Bea")
	drain(ana)
	drain(bea)

	msg, err := r.SendMessage(ana.ID, "", protocol.KindText, " hello ", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	for _, c := range []*Conn{ana, bea} {
		evs, _ := drain(c)
		ev, ok := lastOfType(evs, protocol.TypeMessageNew)
		require.True(t, ok)
		assert.Equal(t, msg.ID, ev.Message.ID)
	}

	counts, err := r.React(bea.ID, "", msg.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"👍": 1}, counts)
	evs, _ := drain(ana)
	ev, ok := lastOfType(evs, protocol.TypeMessageReaction)
	require.True(t, ok)
	assert.Equal(t, msg.ID, ev.MessageID)
}

func TestDisconnectRedactsMessages(t *testing.T) {
	r, _ := newTestRelay(t)
	ana := joinPublic(t, r, "10.0.0.1", "Ana")
	bea := joinPublic(t, r, "10.0.0.2", "Bea")

	keep, err := r.SendMessage(ana.ID, "", protocol.KindText, "stays", nil)
	require.NoError(t, err)
	gone, err := r.SendMessage(bea.ID, "", protocol.KindText, "goes", nil)
	require.NoError(t, err)
	drain(ana)

	r.Disconnect(bea.ID)
	r.Disconnect(bea.ID)

	evs, _ := drain(ana)
	del, ok := lastOfType(evs, protocol.TypeMessageDeleted)
	require.True(t, ok)
	assert.Equal(t, []string{gone.ID}, del.IDs)

	users, ok := lastOfType(evs, protocol.TypeUsersList)
	require.True(t, ok)
	assert.Equal(t, []string{"Ana"}, nicks(users.Users))

	detail, err := r.InspectRoom("general")
	require.NoError(t, err)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, keep.ID, detail.Messages[0].ID)

	_, open := drain(bea)
	assert.False(t, open)
	assert.Equal(t, 1, r.ClientCount())
}

func TestCreateGroupValidation(t *testing.T) {
	r, _ := newTestRelay(t)

	_, err := r.CreateGroup("Team", "ab", "")
	assert.ErrorIs(t, err, ErrWeakPassword)

	g, err := r.CreateGroup("   ", "secret", "")
	require.NoError(t, err)
	assert.Equal(t, "Group", g.Name)
	assert.NotEmpty(t, g.OwnerToken)

	long, err := r.CreateGroup("this group name is definitely longer than allowed", "secret", "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(long.Name)), config.MaxGroupNameLength)

	r.SetGroupCreationFrozen(true)
	_, err = r.CreateGroup("Team", "secret", "")
	assert.ErrorIs(t, err, fault.ErrAuthorization)
}

func TestGroupOwnerAndCollection(t *testing.T) {
	r, _ := newTestRelay(t)
	g, err := r.CreateGroup("Team", "secret", "Ana")
	require.NoError(t, err)

	info, err := r.RoomPublic(g.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.RoomGroup, info.Kind)
	assert.Equal(t, "Team", info.Name)

	c, err := r.Connect("10.0.0.1")
	require.NoError(t, err)

	err = r.JoinGroup(context.Background(), c.ID, g.ID, "Ana", "wrong", g.OwnerToken)
	assert.ErrorIs(t, err, ErrWrongPassword)

	require.NoError(t, r.JoinGroup(context.Background(), c.ID, g.ID, "Ana", "secret", g.OwnerToken))
	evs, _ := drain(c)
	snap, ok := lastOfType(evs, protocol.TypeRoomSnapshot)
	require.True(t, ok)
	assert.Equal(t, protocol.RoleAdmin, snap.Role)

	r.Disconnect(c.ID)
	_, err = r.RoomPublic(g.ID)
	assert.ErrorIs(t, err, ErrRoomNotListed)

	c2, err := r.Connect("10.0.0.1")
	require.NoError(t, err)
	err = r.JoinGroup(context.Background(), c2.ID, g.ID, "Ana", "secret", "")
	assert.ErrorIs(t, err, ErrNotGroupRoom)
}

func TestOwnerTokenIsOneShot(t *testing.T) {
	r, _ := newTestRelay(t)
	g, err := r.CreateGroup("Team", "secret", "")
	require.NoError(t, err)

	first, _ := r.Connect("10.0.0.1")
	second, _ := r.Connect("10.0.0.2")
	require.NoError(t, r.JoinGroup(context.Background(), first.ID, g.ID, "Ana", "secret", g.OwnerToken))
	require.NoError(t, r.JoinGroup(context.Background(), second.ID, g.ID, "Bea", "secret", g.OwnerToken))

	evs, _ := drain(second)
	snap, ok := lastOfType(evs, protocol.TypeRoomSnapshot)
	require.True(t, ok)
	assert.Equal(t, protocol.RoleMember, snap.Role)
}

func TestJoinGroupRechecksAfterHashing(t *testing.T) {
	r, _ := newTestRelay(t)
	g, err := r.CreateGroup("Team", "secret", "")
	require.NoError(t, err)
	c, err := r.Connect("10.0.0.1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = r.JoinGroup(ctx, c.ID, g.ID, "Ana", "secret", "")
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, r.JoinGroup(context.Background(), c.ID, g.ID, "Ana", "secret", ""))
}

func TestJoinGroupFrozenRejected(t *testing.T) {
	r, _ := newTestRelay(t)
	g, err := r.CreateGroup("Team", "secret", "")
	require.NoError(t, err)
	require.NoError(t, r.AdminFreeze(g.ID, true))

	c, _ := r.Connect("10.0.0.1")
	err = r.JoinGroup(context.Background(), c.ID, g.ID, "Ana", "secret", "")
	assert.ErrorIs(t, err, ErrGroupFrozen)
}

func TestSwitchRoomMovesSession(t *testing.T) {
	r, _ := newTestRelay(t)
	ana := joinPublic(t, r, "10.0.0.1", "Ana")
	bea := joinPublic(t, r, "10.0.0.2", "Bea")
	g, err := r.CreateGroup("Team", "secret", "")
	require.NoError(t, err)
	drain(ana)

	require.NoError(t, r.JoinGroup(context.Background(), bea.ID, g.ID, "Bea", "secret", ""))

	evs, _ := drain(ana)
	leave, ok := lastOfType(evs, protocol.TypePresence)
	require.True(t, ok)
	assert.Equal(t, protocol.PresenceLeave, leave.Presence)
	users, ok := lastOfType(evs, protocol.TypeUsersList)
	require.True(t, ok)
	assert.Equal(t, []string{"Ana"}, nicks(users.Users))
}

func TestAdminBanClosesAndRejectsIP(t *testing.T) {
	r, _ := newTestRelay(t)
	ana := joinPublic(t, r, "10.0.0.1", "Ana")
	bea := joinPublic(t, r, "10.0.0.2", "Bea")
	drain(bea)

	b, err := r.AdminBan("", bea.ID, 0, "spam", "")
	require.NoError(t, err)
	assert.True(t, b.Permanent())
	assert.Equal(t, "10.0.0.2", b.IP)

	evs, open := drain(bea)
	assert.False(t, open)
	notice, ok := lastOfType(evs, protocol.TypeAdminBan)
	require.True(t, ok)
	assert.Contains(t, notice.Text, "spam")

	aev, _ := drain(ana)
	users, ok := lastOfType(aev, protocol.TypeUsersList)
	require.True(t, ok)
	assert.Equal(t, []string{"Ana"}, nicks(users.Users))

	_, err = r.Connect("10.0.0.2")
	be, ok := IsBan(err)
	require.True(t, ok)
	assert.Equal(t, "You are banned: spam", be.Error())
	assert.ErrorIs(t, err, fault.ErrAuthorization)

	_, err = r.Connect("::ffff:10.0.0.2")
	_, ok = IsBan(err)
	assert.True(t, ok)

	assert.True(t, r.AdminUnban("10.0.0.2", ""))
	_, err = r.Connect("10.0.0.2")
	assert.NoError(t, err)
}

func TestTimedBanExpires(t *testing.T) {
	r, clk := newTestRelay(t)
	bea := joinPublic(t, r, "10.0.0.2", "Bea")
	_, err := r.AdminBan("", bea.ID, 5, "", "")
	require.NoError(t, err)

	_, err = r.Connect("10.0.0.2")
	require.Error(t, err)

	clk.Advance(5*time.Minute + time.Second)
	r.Tick()
	_, err = r.Connect("10.0.0.2")
	assert.NoError(t, err)
	assert.Empty(t, r.State().Bans)
}

func TestGroupKickClosesTarget(t *testing.T) {
	r, _ := newTestRelay(t)
	g, err := r.CreateGroup("Team", "secret", "")
	require.NoError(t, err)
	ana, _ := r.Connect("10.0.0.1")
	bea, _ := r.Connect("10.0.0.2")
	require.NoError(t, r.JoinGroup(context.Background(), ana.ID, g.ID, "Ana", "secret", g.OwnerToken))
	require.NoError(t, r.JoinGroup(context.Background(), bea.ID, g.ID, "Bea", "secret", ""))
	drain(bea)

	err = r.GroupAdminAction(bea.ID, protocol.ActionKick, ana.ID, "", 0)
	assert.ErrorIs(t, err, fault.ErrAuthorization)

	require.NoError(t, r.GroupAdminAction(ana.ID, protocol.ActionKick, bea.ID, "bye", 0))
	evs, open := drain(bea)
	assert.False(t, open)
	kick, ok := lastOfType(evs, protocol.TypeAdminKick)
	require.True(t, ok)
	assert.Equal(t, "bye", kick.Text)
}

func TestGroupFreezeBroadcast(t *testing.T) {
	r, _ := newTestRelay(t)
	g, err := r.CreateGroup("Team", "secret", "")
	require.NoError(t, err)
	ana, _ := r.Connect("10.0.0.1")
	require.NoError(t, r.JoinGroup(context.Background(), ana.ID, g.ID, "Ana", "secret", g.OwnerToken))
	drain(ana)

	require.NoError(t, r.GroupAdminAction(ana.ID, protocol.ActionFreeze, "", "", 0))
	evs, _ := drain(ana)
	ev, ok := lastOfType(evs, protocol.TypeRoomFrozen)
	require.True(t, ok)
	require.NotNil(t, ev.Frozen)
	assert.True(t, *ev.Frozen)

	_, err = r.SendMessage(ana.ID, "", protocol.KindText, "hi", nil)
	assert.Error(t, err)
}

func TestDirectRooms(t *testing.T) {
	r, _ := newTestRelay(t)
	ana := joinPublic(t, r, "10.0.0.1", "Ana")
	bea := joinPublic(t, r, "10.0.0.2", "Bea")
	drain(ana)
	drain(bea)

	_, err := r.StartDirect(ana.ID, ana.ID)
	assert.ErrorIs(t, err, ErrSelfDirect)

	dmID, err := r.StartDirect(ana.ID, bea.ID)
	require.NoError(t, err)

	detail, err := r.InspectRoom(dmID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Peak.Count)
	assert.Empty(t, detail.Messages)

	evs, _ := drain(bea)
	ready, ok := lastOfType(evs, protocol.TypeDMReady)
	require.True(t, ok)
	assert.Equal(t, dmID, ready.DMID)
	assert.Equal(t, "Ana", ready.Peer.Nick)

	_, err = r.SendMessage(bea.ID, dmID, protocol.KindText, "psst", nil)
	require.NoError(t, err)
	evs, _ = drain(ana)
	_, ok = lastOfType(evs, protocol.TypeMessageNew)
	assert.True(t, ok)

	st := r.State()
	require.Len(t, st.Directs, 1)
	assert.Equal(t, 1, st.Directs[0].MessageCount)

	_, err = r.RoomPublic(dmID)
	assert.ErrorIs(t, err, ErrRoomNotListed)

	require.NoError(t, r.LeaveDirect(ana.ID, dmID))
	assert.ErrorIs(t, r.LeaveDirect(ana.ID, dmID), ErrNotDirectMember)
	require.NoError(t, r.LeaveDirect(bea.ID, dmID))
	assert.Empty(t, r.State().Directs)
}

func TestSlowConsumerClosed(t *testing.T) {
	r, _ := newTestRelay(t, func(c *config.Config) { c.SendBuffer = 2 })
	c := joinPublic(t, r, "10.0.0.1", "Ana")

	evs, open := drain(c)
	assert.False(t, open)
	assert.Len(t, evs, 2)
}

func TestUnclaimedGroupSwept(t *testing.T) {
	r, clk := newTestRelay(t)
	g, err := r.CreateGroup("Team", "secret", "")
	require.NoError(t, err)

	clk.Advance(r.cfg.UnclaimedGroupTTL + time.Second)
	r.Tick()

	_, err = r.RoomPublic(g.ID)
	assert.ErrorIs(t, err, ErrRoomNotListed)
}

func TestTickHooksRun(t *testing.T) {
	r, _ := newTestRelay(t)
	calls := 0
	r.OnTick(func() { calls++ })
	r.Tick()
	r.Tick()
	assert.Equal(t, 2, calls)
}

func TestMetricsReport(t *testing.T) {
	r, _ := newTestRelay(t)
	ana := joinPublic(t, r, "10.0.0.1", "Ana")
	joinPublic(t, r, "10.0.0.2", "Bea")
	_, err := r.SendMessage(ana.ID, "", protocol.KindText, "hi", nil)
	require.NoError(t, err)

	rep := r.Metrics()
	assert.Equal(t, 2, rep.OnlineNow)
	assert.Equal(t, 2, rep.PeakOnline)
	assert.Equal(t, 1, rep.MsgsPerMinNow)
	assert.True(t, rep.Flags.GroupCreationEnabled)
	require.NotEmpty(t, rep.ByRoom)
	assert.Equal(t, "general", rep.ByRoom[0].ID)
}
