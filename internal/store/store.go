// Package store defines the persistence contracts for the Hearth chat
// service: the append-only per-room message log, room and user records,
// invite tokens, and server settings.
package store

import (
	"context"
	"errors"
	"time"
)

// Room kinds.
const (
	RoomKindChannel = "channel"
	RoomKindDirect  = "direct"
)

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned when a record with the same key exists.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrRoomDeleted is returned when an operation targets a soft-deleted room.
	ErrRoomDeleted = errors.New("store: room deleted")
)

// Message is one entry in a room's append-only log. The identifier is
// assigned by the store at append time and is strictly increasing and
// gapless within the room. Messages are immutable once stored.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"timestamp"`
}

// Room is a chat room record. Deletion is soft: the row stays so message
// history remains addressable, but deleted rooms reject joins and publishes.
type Room struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Deleted   bool       `json:"deleted,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
}

// User is an approved account. PasswordHash is a bcrypt hash and never
// leaves the server.
type User struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
}

// PendingUser is a registration waiting for admin approval.
type PendingUser struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	ApprovalCode string    `json:"approval_code"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Invite is a one-shot registration invite token.
type Invite struct {
	Token     string     `json:"token"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UsedBy    string     `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// SearchQuery filters the cross-room message search.
type SearchQuery struct {
	Text   string
	RoomID string
	Author string
	Limit  int
	Offset int
}

// MessageStore is the append-only per-room message log. AppendMessage
// assigns the next identifier for the room; MessagesSince returns all
// messages with identifier strictly greater than since, ascending.
type MessageStore interface {
	AppendMessage(ctx context.Context, roomID, author, body string) (Message, error)
	MessagesSince(ctx context.Context, roomID string, since int64) ([]Message, error)
	SearchMessages(ctx context.Context, q SearchQuery) ([]Message, int, error)
}

// RoomStore manages room records.
type RoomStore interface {
	CreateRoom(ctx context.Context, room Room) error
	Room(ctx context.Context, id string) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	DeleteRoom(ctx context.Context, id, deletedBy string) error
}

// UserStore manages approved and pending accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	UserByName(ctx context.Context, username string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CountUsers(ctx context.Context) (int, error)
	CreatePendingUser(ctx context.Context, pending PendingUser) error
	ListPendingUsers(ctx context.Context) ([]PendingUser, error)
	ApprovePendingUser(ctx context.Context, username, approvedBy string) (User, error)
	RejectPendingUser(ctx context.Context, username string) error
	SetUserRole(ctx context.Context, username, role string) error
}

// InviteStore manages one-shot invite tokens.
type InviteStore interface {
	CreateInvite(ctx context.Context, invite Invite) error
	InviteUsable(ctx context.Context, token string) (bool, error)
	ConsumeInvite(ctx context.Context, token, usedBy string) error
	ListInvites(ctx context.Context) ([]Invite, error)
	DeleteInvite(ctx context.Context, token string) error
}

// SettingStore is a small key/value table for server-wide settings such as
// the registration mode.
type SettingStore interface {
	Setting(ctx context.Context, key, fallback string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store is the union of all persistence contracts the server needs.
type Store interface {
	MessageStore
	RoomStore
	UserStore
	InviteStore
	SettingStore
	Close() error
}
