package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary initializes) a SQLite-backed store at
// the given data source name. WAL mode is enabled so the live publish path
// and history reads do not block each other.
func OpenSQLite(dataSourceName string) (Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}

	logrus.WithField("dataSourceName", dataSourceName).Info("SQLite store ready")
	return &sqliteStore{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		room_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		author TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (room_id, id)
	);`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'channel',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		deleted_at TEXT,
		deleted_by TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at TEXT NOT NULL,
		approved_at TEXT,
		approved_by TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS pending_users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		approval_code TEXT NOT NULL UNIQUE,
		registered_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS invite_tokens (
		token TEXT PRIMARY KEY,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		used_by TEXT,
		used_at TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

const timeLayout = time.RFC3339Nano

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// AppendMessage assigns the next per-room identifier inside a transaction so
// concurrent appends to different rooms never contend and a room's ids stay
// gapless.
func (s *sqliteStore) AppendMessage(ctx context.Context, roomID, author, body string) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) + 1 FROM messages WHERE room_id = ?`, roomID).Scan(&next)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:        next,
		RoomID:    roomID,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (room_id, id, author, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.RoomID, msg.ID, msg.Author, msg.Body, msg.CreatedAt.Format(timeLayout))
	if err != nil {
		return Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *sqliteStore) MessagesSince(ctx context.Context, roomID string, since int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, body, created_at FROM messages
		 WHERE room_id = ? AND id > ? ORDER BY id`, roomID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg := Message{RoomID: roomID}
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.Author, &msg.Body, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *sqliteStore) SearchMessages(ctx context.Context, q SearchQuery) ([]Message, int, error) {
	where := []string{"1=1"}
	var params []any

	if q.Text != "" {
		where = append(where, "body LIKE ?")
		params = append(params, "%"+q.Text+"%")
	}
	if q.RoomID != "" {
		where = append(where, "room_id = ?")
		params = append(params, q.RoomID)
	}
	if q.Author != "" {
		where = append(where, "author = ?")
		params = append(params, q.Author)
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE "+whereSQL, params...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	params = append(params, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, id, author, body, created_at FROM messages WHERE `+whereSQL+
			` ORDER BY created_at DESC, room_id, id DESC LIMIT ? OFFSET ?`, params...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.RoomID, &msg.ID, &msg.Author, &msg.Body, &createdAt); err != nil {
			return nil, 0, err
		}
		msg.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		messages = append(messages, msg)
	}
	return messages, total, rows.Err()
}

func (s *sqliteStore) CreateRoom(ctx context.Context, room Room) error {
	if room.Kind == "" {
		room.Kind = RoomKindChannel
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, kind, created_at) VALUES (?, ?, ?, ?)`,
		room.ID, room.Name, room.Kind, room.CreatedAt.Format(timeLayout))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqliteStore) Room(ctx context.Context, id string) (Room, error) {
	room := Room{ID: id}
	var createdAt string
	var deletedAt, deletedBy sql.NullString
	var deleted int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, kind, deleted, created_at, deleted_at, deleted_by FROM rooms WHERE id = ?`, id).
		Scan(&room.Name, &room.Kind, &deleted, &createdAt, &deletedAt, &deletedBy)
	if err == sql.ErrNoRows {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	room.Deleted = deleted != 0
	room.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if deletedAt.Valid {
		t, _ := time.Parse(timeLayout, deletedAt.String)
		room.DeletedAt = &t
	}
	room.DeletedBy = deletedBy.String
	return room, nil
}

func (s *sqliteStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, created_at FROM rooms WHERE deleted = 0 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		var createdAt string
		if err := rows.Scan(&room.ID, &room.Name, &room.Kind, &createdAt); err != nil {
			return nil, err
		}
		room.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *sqliteStore) DeleteRoom(ctx context.Context, id, deletedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET deleted = 1, deleted_at = ?, deleted_by = ? WHERE id = ? AND deleted = 0`,
		time.Now().UTC().Format(timeLayout), deletedBy, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CreateUser(ctx context.Context, user User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	var approvedAt any
	if user.ApprovedAt != nil {
		approvedAt = user.ApprovedAt.Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, created_at, approved_at, approved_by)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.Username, user.PasswordHash, user.Role,
		user.CreatedAt.Format(timeLayout), approvedAt, user.ApprovedBy)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqliteStore) UserByName(ctx context.Context, username string) (User, error) {
	user := User{Username: username}
	var createdAt string
	var approvedAt, approvedBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash, role, created_at, approved_at, approved_by FROM users WHERE username = ?`,
		username).Scan(&user.PasswordHash, &user.Role, &createdAt, &approvedAt, &approvedBy)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	user.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if approvedAt.Valid {
		t, _ := time.Parse(timeLayout, approvedAt.String)
		user.ApprovedAt = &t
	}
	user.ApprovedBy = approvedBy.String
	return user, nil
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, role, created_at, approved_at, approved_by FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		var createdAt string
		var approvedAt, approvedBy sql.NullString
		if err := rows.Scan(&user.Username, &user.Role, &createdAt, &approvedAt, &approvedBy); err != nil {
			return nil, err
		}
		user.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if approvedAt.Valid {
			t, _ := time.Parse(timeLayout, approvedAt.String)
			user.ApprovedAt = &t
		}
		user.ApprovedBy = approvedBy.String
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *sqliteStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

func (s *sqliteStore) CreatePendingUser(ctx context.Context, pending PendingUser) error {
	if pending.RegisteredAt.IsZero() {
		pending.RegisteredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_users (username, password_hash, approval_code, registered_at)
		 VALUES (?, ?, ?, ?)`,
		pending.Username, pending.PasswordHash, pending.ApprovalCode,
		pending.RegisteredAt.Format(timeLayout))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqliteStore) ListPendingUsers(ctx context.Context) ([]PendingUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, approval_code, registered_at FROM pending_users ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingUser
	for rows.Next() {
		var p PendingUser
		var registeredAt string
		if err := rows.Scan(&p.Username, &p.ApprovalCode, &registeredAt); err != nil {
			return nil, err
		}
		p.RegisteredAt, _ = time.Parse(timeLayout, registeredAt)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *sqliteStore) ApprovePendingUser(ctx context.Context, username, approvedBy string) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback()

	var passwordHash string
	err = tx.QueryRowContext(ctx,
		`SELECT password_hash FROM pending_users WHERE username = ?`, username).Scan(&passwordHash)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}

	now := time.Now().UTC()
	user := User{
		Username:     username,
		PasswordHash: passwordHash,
		Role:         RoleUser,
		CreatedAt:    now,
		ApprovedAt:   &now,
		ApprovedBy:   approvedBy,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, created_at, approved_at, approved_by)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.Username, user.PasswordHash, user.Role,
		now.Format(timeLayout), now.Format(timeLayout), approvedBy)
	if err != nil {
		return User{}, err
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM pending_users WHERE username = ?`, username); err != nil {
		return User{}, err
	}

	if err := tx.Commit(); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *sqliteStore) RejectPendingUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetUserRole(ctx context.Context, username, role string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET role = ? WHERE username = ?`, role, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CreateInvite(ctx context.Context, invite Invite) error {
	if invite.CreatedAt.IsZero() {
		invite.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invite_tokens (token, created_by, created_at) VALUES (?, ?, ?)`,
		invite.Token, invite.CreatedBy, invite.CreatedAt.Format(timeLayout))
	return err
}

func (s *sqliteStore) InviteUsable(ctx context.Context, token string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM invite_tokens WHERE token = ? AND used_by IS NULL`, token).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) ConsumeInvite(ctx context.Context, token, usedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invite_tokens SET used_by = ?, used_at = ? WHERE token = ? AND used_by IS NULL`,
		usedBy, time.Now().UTC().Format(timeLayout), token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListInvites(ctx context.Context) ([]Invite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, created_by, created_at, used_by, used_at FROM invite_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		var inv Invite
		var createdAt string
		var usedBy, usedAt sql.NullString
		if err := rows.Scan(&inv.Token, &inv.CreatedBy, &createdAt, &usedBy, &usedAt); err != nil {
			return nil, err
		}
		inv.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		inv.UsedBy = usedBy.String
		if usedAt.Valid {
			t, _ := time.Parse(timeLayout, usedAt.String)
			inv.UsedAt = &t
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

func (s *sqliteStore) DeleteInvite(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invite_tokens WHERE token = ?`, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Setting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	return err
}
