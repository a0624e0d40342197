package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a mutex-protected in-memory Store. It backs the server when
// no data source is configured and doubles as the test fixture, including a
// switch to make appends fail on demand.
type MemoryStore struct {
	mu        sync.Mutex
	messages  map[string][]Message
	rooms     map[string]Room
	users     map[string]User
	pending   map[string]PendingUser
	invites   map[string]Invite
	settings  map[string]string
	appendErr error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]Message),
		rooms:    make(map[string]Room),
		users:    make(map[string]User),
		pending:  make(map[string]PendingUser),
		invites:  make(map[string]Invite),
		settings: make(map[string]string),
	}
}

// FailAppends makes every subsequent AppendMessage return err until called
// again with nil.
func (s *MemoryStore) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) AppendMessage(_ context.Context, roomID, author, body string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendErr != nil {
		return Message{}, s.appendErr
	}

	log := s.messages[roomID]
	msg := Message{
		ID:        int64(len(log)) + 1,
		RoomID:    roomID,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[roomID] = append(log, msg)
	return msg, nil
}

func (s *MemoryStore) MessagesSince(_ context.Context, roomID string, since int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, msg := range s.messages[roomID] {
		if msg.ID > since {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *MemoryStore) SearchMessages(_ context.Context, q SearchQuery) ([]Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Message
	for roomID, log := range s.messages {
		if q.RoomID != "" && q.RoomID != roomID {
			continue
		}
		for _, msg := range log {
			if q.Author != "" && q.Author != msg.Author {
				continue
			}
			if q.Text != "" && !strings.Contains(msg.Body, q.Text) {
				continue
			}
			matched = append(matched, msg)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if q.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; ok {
		return ErrAlreadyExists
	}
	if room.Kind == "" {
		room.Kind = RoomKindChannel
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	s.rooms[room.ID] = room
	return nil
}

func (s *MemoryStore) Room(_ context.Context, id string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return room, nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rooms []Room
	for _, room := range s.rooms {
		if !room.Deleted {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, id, deletedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok || room.Deleted {
		return ErrNotFound
	}
	now := time.Now().UTC()
	room.Deleted = true
	room.DeletedAt = &now
	room.DeletedBy = deletedBy
	s.rooms[id] = room
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return ErrAlreadyExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *MemoryStore) UserByName(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []User
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *MemoryStore) CountUsers(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}

func (s *MemoryStore) CreatePendingUser(_ context.Context, pending PendingUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[pending.Username]; ok {
		return ErrAlreadyExists
	}
	if pending.RegisteredAt.IsZero() {
		pending.RegisteredAt = time.Now().UTC()
	}
	s.pending[pending.Username] = pending
	return nil
}

func (s *MemoryStore) ListPendingUsers(_ context.Context) ([]PendingUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []PendingUser
	for _, p := range s.pending {
		pending = append(pending, p)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RegisteredAt.Before(pending[j].RegisteredAt)
	})
	return pending, nil
}

func (s *MemoryStore) ApprovePendingUser(_ context.Context, username, approvedBy string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[username]
	if !ok {
		return User{}, ErrNotFound
	}
	now := time.Now().UTC()
	user := User{
		Username:     username,
		PasswordHash: p.PasswordHash,
		Role:         RoleUser,
		CreatedAt:    now,
		ApprovedAt:   &now,
		ApprovedBy:   approvedBy,
	}
	s.users[username] = user
	delete(s.pending, username)
	return user, nil
}

func (s *MemoryStore) RejectPendingUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[username]; !ok {
		return ErrNotFound
	}
	delete(s.pending, username)
	return nil
}

func (s *MemoryStore) SetUserRole(_ context.Context, username, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return ErrNotFound
	}
	user.Role = role
	s.users[username] = user
	return nil
}

func (s *MemoryStore) CreateInvite(_ context.Context, invite Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if invite.CreatedAt.IsZero() {
		invite.CreatedAt = time.Now().UTC()
	}
	s.invites[invite.Token] = invite
	return nil
}

func (s *MemoryStore) InviteUsable(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[token]
	return ok && inv.UsedBy == "", nil
}

func (s *MemoryStore) ConsumeInvite(_ context.Context, token, usedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[token]
	if !ok || inv.UsedBy != "" {
		return ErrNotFound
	}
	now := time.Now().UTC()
	inv.UsedBy = usedBy
	inv.UsedAt = &now
	s.invites[token] = inv
	return nil
}

func (s *MemoryStore) ListInvites(_ context.Context) ([]Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var invites []Invite
	for _, inv := range s.invites {
		invites = append(invites, inv)
	}
	sort.Slice(invites, func(i, j int) bool {
		return invites[i].CreatedAt.After(invites[j].CreatedAt)
	})
	return invites, nil
}

func (s *MemoryStore) DeleteInvite(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invites[token]; !ok {
		return ErrNotFound
	}
	delete(s.invites, token)
	return nil
}

func (s *MemoryStore) Setting(_ context.Context, key, fallback string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.settings[key]; ok {
		return value, nil
	}
	return fallback, nil
}

func (s *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
