// Package metrics keeps live and all-time activity counters for the relay:
// online peaks, per-second rolling windows and session statistics. Counters
// are also exported as Prometheus collectors.
package metrics

import (
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ephemera/server/internal/clock"
	"ephemera/server/internal/protocol"
)

// Peak is the highest value seen and the first time it was reached.
type Peak struct {
	Count int
	At    time.Time
}

func (p Peak) atMillis() int64 {
	if p.At.IsZero() {
		return 0
	}
	return p.At.UnixMilli()
}

// observe records v if it strictly exceeds the stored peak.
func (p *Peak) observe(v int, now time.Time) {
	if v > p.Count {
		p.Count = v
		p.At = now
	}
}

type collectors struct {
	messages       *prometheus.CounterVec
	joins          prometheus.Counter
	sessionsClosed prometheus.Counter
	sessionLength  prometheus.Histogram
	online         prometheus.Gauge
}

func newCollectors() *collectors {
	return &collectors{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ephemera",
			Name:      "messages_total",
			Help:      "Chat messages accepted, by kind.",
		}, []string{"kind"}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ephemera",
			Name:      "joins_total",
			Help:      "Room joins committed.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ephemera",
			Name:      "sessions_closed_total",
			Help:      "Sessions that ended.",
		}),
		sessionLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ephemera",
			Name:      "session_duration_seconds",
			Help:      "Length of closed sessions.",
			Buckets:   prometheus.ExponentialBuckets(10, 3, 8),
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ephemera",
			Name:      "online_sessions",
			Help:      "Sessions currently joined to a room.",
		}),
	}
}

func (c *collectors) register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.messages, c.joins, c.sessionsClosed, c.sessionLength, c.online} {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return nil
}

// Aggregator consumes lifecycle events. It never reads presence itself;
// callers pass live counts in.
//
// Aggregator is not safe for concurrent use; it is owned by core.Relay.
type Aggregator struct {
	clock  clock.Clock
	bootAt time.Time

	peakOnline Peak
	peakRooms  map[string]Peak

	online           *window
	msgs             *window
	peakOnlineLast60 int
	msgsPerMinNow    int
	peakMsgsPerMin   Peak

	messagesTotal  int64
	sessionsClosed int64
	closedDuration time.Duration

	prom *collectors
}

// New returns an aggregator whose boot time is now. When reg is non-nil the
// Prometheus collectors are registered on it.
func New(c clock.Clock, reg prometheus.Registerer) (*Aggregator, error) {
	now := c.Now()
	a := &Aggregator{
		clock:     c,
		bootAt:    now,
		peakRooms: make(map[string]Peak),
		online:    newWindow(now.Unix()),
		msgs:      newWindow(now.Unix()),
		prom:      newCollectors(),
	}
	if reg != nil {
		if err := a.prom.register(reg); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// RecordJoin notes a committed join into roomID with the live counts after
// the join.
func (a *Aggregator) RecordJoin(roomID string, roomOnline, totalOnline int) {
	now := a.clock.Now()
	a.peakOnline.observe(totalOnline, now)
	p := a.peakRooms[roomID]
	p.observe(roomOnline, now)
	a.peakRooms[roomID] = p
	a.prom.joins.Inc()
	a.prom.online.Set(float64(totalOnline))
}

// RecordLeave notes a session leaving with the live total after it left.
func (a *Aggregator) RecordLeave(totalOnline int) {
	a.prom.online.Set(float64(totalOnline))
}

// SampleOnlineTick writes the current online count into this second's slot.
// It is driven by an external once-per-second ticker.
func (a *Aggregator) SampleOnlineTick(totalOnline int) {
	now := a.clock.Now()
	a.online.set(now.Unix(), totalOnline)
	a.peakOnlineLast60 = a.online.max()
	a.peakOnline.observe(totalOnline, now)
	a.prom.online.Set(float64(totalOnline))
}

// RecordMessageSent counts one accepted message in the current second.
func (a *Aggregator) RecordMessageSent(kind protocol.Kind) {
	now := a.clock.Now()
	a.msgs.add(now.Unix(), 1)
	a.msgsPerMinNow = a.msgs.sum()
	a.peakMsgsPerMin.observe(a.msgsPerMinNow, now)
	a.messagesTotal++
	a.prom.messages.WithLabelValues(string(kind)).Inc()
}

// RecordSessionClosed accumulates the length of an ended session.
func (a *Aggregator) RecordSessionClosed(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.sessionsClosed++
	a.closedDuration += d
	a.prom.sessionsClosed.Inc()
	a.prom.sessionLength.Observe(d.Seconds())
}

// ForgetRoom drops the per-room peak of a deleted room.
func (a *Aggregator) ForgetRoom(roomID string) {
	delete(a.peakRooms, roomID)
}

// RoomPeak returns the all-time peak of roomID.
func (a *Aggregator) RoomPeak(roomID string) Peak {
	return a.peakRooms[roomID]
}

// MsgsPerMinute returns the message count over the trailing window.
func (a *Aggregator) MsgsPerMinute() int {
	a.msgs.rotate(a.clock.Now().Unix())
	a.msgsPerMinNow = a.msgs.sum()
	return a.msgsPerMinNow
}

// RoomSample is the live state of one room handed to Snapshot.
type RoomSample struct {
	ID           string
	Name         string
	Kind         protocol.RoomKind
	Online       int
	CreatedAt    time.Time
	Frozen       bool
	LastActivity time.Time
	MessageCount int
}

// Flags are platform switches echoed in the report.
type Flags struct {
	PublicFrozen         bool `json:"public_frozen"`
	GroupCreationEnabled bool `json:"group_creation_enabled"`
}

// Input is the live state Snapshot cannot derive on its own.
type Input struct {
	Online    int
	Connected []time.Time
	Rooms     []RoomSample
	Flags     Flags
}

// Snapshot assembles the report. Both windows are rotated first so an idle
// period reads as zeros.
func (a *Aggregator) Snapshot(in Input) Report {
	now := a.clock.Now()
	sec := now.Unix()
	a.online.rotate(sec)
	a.msgs.rotate(sec)
	a.peakOnlineLast60 = a.online.max()
	a.msgsPerMinNow = a.msgs.sum()

	r := Report{
		BootAt:              a.bootAt.UnixMilli(),
		UptimeSec:           int64(now.Sub(a.bootAt) / time.Second),
		OnlineNow:           in.Online,
		PeakOnline:          a.peakOnline.Count,
		PeakOnlineAt:        a.peakOnline.atMillis(),
		PeakOnlineLast60:    a.peakOnlineLast60,
		MsgsPerMinNow:       a.msgsPerMinNow,
		PeakMsgsPerMin:      a.peakMsgsPerMin.Count,
		PeakMsgsPerMinAt:    a.peakMsgsPerMin.atMillis(),
		MessagesTotal:       a.messagesTotal,
		SessionsClosedCount: a.sessionsClosed,
		Series: Series{
			OnlineLast60: a.online.series(),
			MsgsLast60:   a.msgs.series(),
		},
		Memory: readMemory(),
		Flags:  in.Flags,
		ByRoom: make([]RoomReport, 0, len(in.Rooms)),
	}

	if len(in.Connected) > 0 {
		var total time.Duration
		for _, at := range in.Connected {
			if d := now.Sub(at); d > 0 {
				total += d
			}
		}
		r.AvgSessionSecActive = total.Seconds() / float64(len(in.Connected))
	}
	if a.sessionsClosed > 0 {
		r.AvgSessionSecClosed = a.closedDuration.Seconds() / float64(a.sessionsClosed)
	}

	for _, s := range in.Rooms {
		switch s.Kind {
		case protocol.RoomGroup:
			r.GroupsTotal++
		case protocol.RoomDirect:
			r.DirectActive++
		}
		peak := a.peakRooms[s.ID]
		r.ByRoom = append(r.ByRoom, RoomReport{
			ID:            s.ID,
			Name:          s.Name,
			Kind:          s.Kind,
			OnlineNow:     s.Online,
			PeakOnline:    peak.Count,
			PeakOnlineAt:  peak.atMillis(),
			CreatedAt:     s.CreatedAt.UnixMilli(),
			Frozen:        s.Frozen,
			LastActivity:  s.LastActivity.UnixMilli(),
			MessagesCount: s.MessageCount,
		})
	}
	r.RoomsTotal = len(in.Rooms)
	sort.SliceStable(r.ByRoom, func(i, j int) bool {
		if r.ByRoom[i].OnlineNow != r.ByRoom[j].OnlineNow {
			return r.ByRoom[i].OnlineNow > r.ByRoom[j].OnlineNow
		}
		return r.ByRoom[i].Name < r.ByRoom[j].Name
	})
	return r
}

func readMemory() Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Memory{
		HeapAlloc:  ms.HeapAlloc,
		HeapInuse:  ms.HeapInuse,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}
