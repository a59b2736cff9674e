package router

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ephemera/server/internal/ban"
	"ephemera/server/internal/clock"
	"ephemera/server/internal/fault"
	"ephemera/server/internal/metrics"
	"ephemera/server/internal/presence"
	"ephemera/server/internal/protocol"
	"ephemera/server/internal/room"
)

type fixture struct {
	clock   *clock.FakeClock
	rooms   *room.Directory
	tracker *presence.Tracker
	bans    *ban.Registry
	metrics *metrics.Aggregator
	router  *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	rooms, err := room.NewDirectory(c, room.Limits{RoomCapacity: 50, DirectCapacity: 50}, "general", "General")
	require.NoError(t, err)
	agg, err := metrics.New(c, nil)
	require.NoError(t, err)
	f := &fixture{
		clock:   c,
		rooms:   rooms,
		tracker: presence.NewTracker(c, "pt-BR"),
		bans:    ban.NewRegistry(c),
		metrics: agg,
	}
	f.router = New(c, rooms, f.tracker, f.bans, agg, Limits{MaxText: 20, MaxBinary: 30, MaxEmoji: 4})
	return f
}

func (f *fixture) join(t *testing.T, connID, nick, roomID string) {
	t.Helper()
	_, err := f.tracker.Register(connID, nick, roomID, "10.0.0."+connID[len(connID)-1:])
	require.NoError(t, err)
}

func (f *fixture) count(t *testing.T, roomID string) int {
	t.Helper()
	msgs, err := f.rooms.Messages(roomID)
	require.NoError(t, err)
	return len(msgs)
}

func TestTextLengthBoundary(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c1", "Ana", "general")

	exact := strings.Repeat("é", 20)
	acc, err := f.router.Submit("c1", "", protocol.KindText, exact, nil)
	require.NoError(t, err)
	assert.Equal(t, exact, acc.Message.Content)
	assert.True(t, strings.HasPrefix(acc.Message.ID, "m_"))
	assert.Equal(t, "general", acc.Message.RoomID)
	assert.Equal(t, 1, f.count(t, "general"))

	_, err = f.router.Submit("c1", "", protocol.KindText, exact+"x", nil)
	assert.ErrorIs(t, err, ErrTextTooLong)
	assert.ErrorIs(t, err, fault.ErrCapacity)
	assert.Equal(t, 1, f.count(t, "general"), "rejected message must not be buffered")
	assert.Equal(t, 1, f.metrics.MsgsPerMinute())
}

func TestBinarySizeLimit(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c1", "Ana", "general")

	ok := "data:image/png;base64," + strings.Repeat("A", 40)
	_, err := f.router.Submit("c1", "", protocol.KindImage, ok, nil)
	require.NoError(t, err)

	big := "data:image/png;base64," + strings.Repeat("A", 44)
	_, err = f.router.Submit("c1", "", protocol.KindImage, big, nil)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = f.router.Submit("c1", "", protocol.KindAudio, ok, nil)
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = f.router.Submit("c1", "", protocol.KindAudio, strings.Repeat("A", 8), nil)
	assert.NoError(t, err, "bare base64 is accepted")
	assert.Equal(t, 2, f.count(t, "general"))
}

func TestDecodedSize(t *testing.T) {
	assert.Equal(t, 3, DecodedSize("AAAA"))
	assert.Equal(t, 1, DecodedSize("AA=="))
	assert.Equal(t, 2, DecodedSize("AAA="))
	assert.Equal(t, 0, DecodedSize(""))
}

func TestCheckOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Submit("ghost", "", protocol.KindText, "oi", nil)
	assert.ErrorIs(t, err, presence.ErrNoSession)

	f.join(t, "c1", "Ana", "general")
	g := f.rooms.CreateGroup("Amigos", "h")
	_, err = f.router.Submit("c1", g.ID, protocol.KindText, "oi", nil)
	assert.ErrorIs(t, err, ErrNotMember)

	pub, _ := f.rooms.Lookup("general")
	pub.Frozen = true
	_, err = f.router.Submit("c1", "", "video", "", nil)
	assert.ErrorIs(t, err, ErrFrozen, "frozen is checked before kind")
	pub.Frozen = false

	_, err = f.router.Submit("c1", "", "video", "", nil)
	assert.ErrorIs(t, err, ErrUnsupportedKind, "kind is checked before emptiness")
	_, err = f.router.Submit("c1", "", protocol.KindText, "   ", nil)
	assert.ErrorIs(t, err, ErrEmpty)

	f.bans.Ban(ban.Global, "10.0.0.1", 0, "spam")
	_, err = f.router.Submit("c1", "", protocol.KindText, "oi", nil)
	assert.ErrorIs(t, err, ErrBanned)
	assert.Zero(t, f.count(t, "general"))
}

func TestReplySummary(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c1", "Ana", "general")
	f.join(t, "c2", "Bea", "general")

	orig, err := f.router.Submit("c1", "", protocol.KindText, strings.Repeat("a", 20), nil)
	require.NoError(t, err)

	reply, err := f.router.Submit("c2", "", protocol.KindText, "sim", &protocol.ReplyRef{ID: orig.Message.ID, Nick: "forged", Preview: "forged"})
	require.NoError(t, err)
	require.NotNil(t, reply.Message.ReplyTo)
	assert.Equal(t, "Ana", reply.Message.ReplyTo.AuthorNick, "buffered message wins over client text")
	assert.Equal(t, orig.Message.Content, reply.Message.ReplyTo.Preview)

	gone, err := f.router.Submit("c2", "", protocol.KindText, "?", &protocol.ReplyRef{
		ID:      "m_evicted",
		Nick:    strings.Repeat("n", 30),
		Preview: strings.Repeat("p", 300),
		Kind:    "weird",
	})
	require.NoError(t, err)
	require.NotNil(t, gone.Message.ReplyTo)
	assert.Len(t, gone.Message.ReplyTo.AuthorNick, 18)
	assert.Len(t, gone.Message.ReplyTo.Preview, 140)
	assert.Equal(t, protocol.KindText, gone.Message.ReplyTo.Kind)

	none, err := f.router.Submit("c2", "", protocol.KindText, "!", &protocol.ReplyRef{})
	require.NoError(t, err)
	assert.Nil(t, none.Message.ReplyTo)
}

func TestSequentialReactionsAreNotLost(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c1", "Ana", "general")
	f.join(t, "c2", "Bea", "general")
	acc, err := f.router.Submit("c1", "", protocol.KindText, "oi", nil)
	require.NoError(t, err)
	acc.Message.Content = "edited"
	stored, err := f.rooms.Find("general", acc.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "oi", stored.Content, "accepted message is a copy")

	_, err = f.router.React("c1", "", acc.Message.ID, "👍")
	require.NoError(t, err)
	res, err := f.router.React("c2", "", acc.Message.ID, " 👍 ")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reactions["👍"])

	res.Reactions["👍"] = 100
	live, err := f.rooms.Find("general", acc.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, live.Reactions["👍"], "returned map is a copy")
}

func TestReactValidation(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c1", "Ana", "general")
	g := f.rooms.CreateGroup("Amigos", "h")
	f.join(t, "c2", "Bea", g.ID)
	other, err := f.router.Submit("c2", "", protocol.KindText, "segredo", nil)
	require.NoError(t, err)

	_, err = f.router.React("c1", "", other.Message.ID, "👍")
	assert.ErrorIs(t, err, room.ErrMessageNotFound, "cannot react across rooms")
	_, err = f.router.React("c1", g.ID, other.Message.ID, "👍")
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = f.router.React("c2", "", other.Message.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidEmoji)

	res, err := f.router.React("c2", "", other.Message.ID, "abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reactions["abcd"], "emoji is clamped")
}

func TestDirectRoomMessages(t *testing.T) {
	f := newFixture(t)
	f.join(t, "c1", "Ana", "general")
	f.join(t, "c2", "Bea", "general")
	dm := f.rooms.EnsureDirect("c1", "c2")
	_, err := f.tracker.JoinDirect("c1", dm.ID)
	require.NoError(t, err)

	acc, err := f.router.Submit("c1", dm.ID, protocol.KindText, "psiu", nil)
	require.NoError(t, err)
	assert.Equal(t, dm.ID, acc.Message.RoomID)

	_, err = f.router.Submit("c2", dm.ID, protocol.KindText, "oi", nil)
	assert.ErrorIs(t, err, ErrNotMember, "peer must be joined to the direct room")
	assert.Zero(t, f.count(t, "general"))
}
