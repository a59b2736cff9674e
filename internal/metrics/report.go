package metrics

import "ephemera/server/internal/protocol"

// Report is the admin metrics payload. Timestamps are unix milliseconds;
// a zero timestamp means the event never happened.
type Report struct {
	BootAt    int64 `json:"boot_at"`
	UptimeSec int64 `json:"uptime_sec"`

	OnlineNow        int   `json:"online_now"`
	PeakOnline       int   `json:"peak_online"`
	PeakOnlineAt     int64 `json:"peak_online_at"`
	PeakOnlineLast60 int   `json:"peak_online_last60"`

	MsgsPerMinNow    int   `json:"msgs_per_min_now"`
	PeakMsgsPerMin   int   `json:"peak_msgs_per_min"`
	PeakMsgsPerMinAt int64 `json:"peak_msgs_per_min_at"`
	MessagesTotal    int64 `json:"messages_total"`

	SessionsClosedCount int64   `json:"sessions_closed_count"`
	AvgSessionSecActive float64 `json:"avg_session_sec_active"`
	AvgSessionSecClosed float64 `json:"avg_session_sec_closed"`

	Series Series `json:"series"`
	Memory Memory `json:"memory"`
	Flags  Flags  `json:"flags"`

	RoomsTotal   int          `json:"rooms_total"`
	GroupsTotal  int          `json:"groups_total"`
	DirectActive int          `json:"dm_active"`
	ByRoom       []RoomReport `json:"by_room"`
}

// Series holds the rolling windows oldest first.
type Series struct {
	OnlineLast60 []int `json:"online_last60"`
	MsgsLast60   []int `json:"msgs_last60"`
}

// Memory is the process memory as reported by the Go runtime.
type Memory struct {
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapInuse  uint64 `json:"heap_inuse"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
}

// RoomReport is one row of the per-room breakdown.
type RoomReport struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Kind          protocol.RoomKind `json:"kind"`
	OnlineNow     int               `json:"online_now"`
	PeakOnline    int               `json:"peak_online"`
	PeakOnlineAt  int64             `json:"peak_online_at"`
	CreatedAt     int64             `json:"created_at"`
	Frozen        bool              `json:"frozen"`
	LastActivity  int64             `json:"last_activity"`
	MessagesCount int               `json:"messages_count"`
}
