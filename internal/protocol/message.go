package protocol

// Inbound event types.
const (
	TypeJoinPublic       = "join_public"
	TypeJoinGroup        = "join_group"
	TypeSendMessage      = "send_message"
	TypeReactMessage     = "react_message"
	TypeGroupAdminAction = "group_admin_action"
	TypeStartDM          = "start_dm"
	TypeSendDM           = "send_dm"
	TypeLeaveDM          = "leave_dm"
	TypePing             = "ping"
)

// Outbound event types.
const (
	TypeHello           = "hello"
	TypeRoomSnapshot    = "room_snapshot"
	TypeMessageNew      = "message_new"
	TypeMessageDeleted  = "message_deleted"
	TypeMessageReaction = "message_reaction"
	TypePresence        = "presence"
	TypeUsersList       = "users_list"
	TypeRoomFrozen      = "room_frozen"
	TypeRoomCleared     = "room_cleared"
	TypeRoomClosed      = "room_closed"
	TypeRoleChanged     = "role_changed"
	TypeDMReady         = "dm_ready"
	TypeAdminNotice     = "admin_notice"
	TypeAdminKick       = "admin_kick"
	TypeAdminBan        = "admin_ban"
	TypeAdminResult     = "group_admin_result"
	TypePong            = "pong"
	TypeError           = "error"
)

// Presence values carried by TypePresence.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Group admin actions carried by TypeGroupAdminAction.
const (
	ActionWarn     = "warn"
	ActionKick     = "kick"
	ActionBan      = "ban"
	ActionPromote  = "promote"
	ActionDemote   = "demote"
	ActionFreeze   = "freeze"
	ActionUnfreeze = "unfreeze"
	ActionClear    = "clear"
	ActionDelete   = "delete"
)

// Event is the JSON envelope exchanged over the realtime channel in both
// directions. Only the fields relevant to Type are set.
type Event struct {
	Type string `json:"type"`

	// Inbound fields.
	Nick       string    `json:"nick,omitempty"`
	Password   string    `json:"password,omitempty"`
	OwnerToken string    `json:"owner_token,omitempty"`
	Kind       Kind      `json:"kind,omitempty"`
	Content    string    `json:"content,omitempty"`
	ReplyTo    *ReplyRef `json:"reply_to,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Emoji      string    `json:"emoji,omitempty"`
	Action     string    `json:"action,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	Minutes    int       `json:"minutes,omitempty"`
	PeerID     string    `json:"peer_id,omitempty"`
	DMID       string    `json:"dm_id,omitempty"`

	// Shared and outbound fields.
	RoomID    string         `json:"room_id,omitempty"`
	SelfID    string         `json:"self_id,omitempty"`
	Room      *RoomInfo      `json:"room,omitempty"`
	Message   *ChatMessage   `json:"message,omitempty"`
	Messages  []ChatMessage  `json:"messages,omitempty"`
	IDs       []string       `json:"ids,omitempty"`
	Presence  string         `json:"presence,omitempty"`
	Users     []User         `json:"users,omitempty"`
	Peer      *User          `json:"peer,omitempty"`
	Frozen    *bool          `json:"frozen,omitempty"`
	Reactions map[string]int `json:"reactions,omitempty"`
	Role      Role           `json:"role,omitempty"`
	Text      string         `json:"text,omitempty"`
	OK        bool           `json:"ok,omitempty"`
	Error     string         `json:"error,omitempty"`
	TS        int64          `json:"ts,omitempty"`
}

// Kind is the payload kind of a chat message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// RoomKind distinguishes the three room lifecycles.
type RoomKind string

const (
	RoomPublic RoomKind = "public"
	RoomGroup  RoomKind = "group"
	RoomDirect RoomKind = "direct"
)

// Role is a connection's standing inside a group.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// ChatMessage is one buffered message.
type ChatMessage struct {
	ID         string         `json:"id"`
	RoomID     string         `json:"room_id"`
	AuthorID   string         `json:"author_id"`
	AuthorNick string         `json:"author_nick"`
	Kind       Kind           `json:"kind"`
	Content    string         `json:"content"`
	TS         int64          `json:"ts"`
	Reactions  map[string]int `json:"reactions"`
	ReplyTo    *ReplySummary  `json:"reply_to,omitempty"`
}

// ReplyRef is the client's reference to the message being answered.
type ReplyRef struct {
	ID      string `json:"id"`
	Nick    string `json:"nick,omitempty"`
	Preview string `json:"preview,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
}

// ReplySummary is the server-side quote attached to a reply.
type ReplySummary struct {
	ID         string `json:"id"`
	AuthorNick string `json:"author_nick"`
	Preview    string `json:"preview"`
	Kind       Kind   `json:"kind"`
}

// RoomInfo is the public description of a room.
type RoomInfo struct {
	ID        string   `json:"id"`
	Kind      RoomKind `json:"kind"`
	Name      string   `json:"name"`
	CreatedAt int64    `json:"created_at"`
	Frozen    bool     `json:"frozen"`
}

// User is one entry of a room's online list.
type User struct {
	ID   string `json:"id"`
	Nick string `json:"nick"`
	Role Role   `json:"role,omitempty"`
}
