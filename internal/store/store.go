// Package store is the relational side of the platform: user records,
// collaboration membership and persisted collaboration messages.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/zot/scholar-hub/internal/errs"
	"github.com/zot/scholar-hub/internal/store/migrations"
)

// DefaultMessageType applies when a message is created without a type.
const DefaultMessageType = "text"

// User is a platform account. Inactive users cannot open sessions.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserProfile is the public part of a user attached to events and messages.
type UserProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

func (u *User) Profile() UserProfile {
	return UserProfile{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role, AvatarURL: u.AvatarURL}
}

type Collaboration struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type Membership struct {
	CollaborationID string    `json:"collaborationId"`
	UserID          string    `json:"userId"`
	Role            string    `json:"role"`
	JoinedAt        time.Time `json:"joinedAt"`
}

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	CollaborationID string
	SenderID        string
	Content         string
	Type            string
	ParentID        string
}

// Message is a persisted collaboration message joined with its sender.
type Message struct {
	ID              string      `json:"id"`
	CollaborationID string      `json:"collaborationId"`
	Content         string      `json:"content"`
	Type            string      `json:"type"`
	ParentID        string      `json:"parentId,omitempty"`
	SenderID        string      `json:"senderId"`
	Sender          UserProfile `json:"sender"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Store is a SQLite-backed implementation of the user, membership and
// message collaborators.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Migrate brings the schema up to date.
func (s *Store) Migrate() error {
	return migrations.Up(s.db)
}

// CheckSchema reports whether the schema is current.
func (s *Store) CheckSchema() error {
	return migrations.Check(s.db)
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Users

// PutUser inserts or updates u. An empty ID is assigned a new one.
func (s *Store) PutUser(ctx context.Context, u User) (*User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = "student"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	if strings.TrimSpace(u.Name) == "" || strings.TrimSpace(u.Email) == "" {
		return nil, fmt.Errorf("user name and email required: %w", errs.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, avatar_url, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			avatar_url = excluded.avatar_url,
			active = excluded.active`,
		u.ID, u.Name, u.Email, u.Role, u.AvatarURL, u.Active, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("saving user: %w", err)
	}
	return &u, nil
}

// GetUser returns the user with id, or nil when there is none.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, avatar_url, active, created_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.AvatarURL, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding user: %w", err)
	}
	return &u, nil
}

// Collaborations and membership

// CreateCollaboration creates a collaboration and makes its creator an owner.
func (s *Store) CreateCollaboration(ctx context.Context, title, createdBy string) (*Collaboration, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("collaboration title required: %w", errs.ErrValidation)
	}
	c := Collaboration{ID: uuid.NewString(), Title: title, CreatedBy: createdBy, CreatedAt: s.now().UTC()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collaborations (id, title, created_by, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Title, c.CreatedBy, c.CreatedAt); err != nil {
		return nil, fmt.Errorf("creating collaboration: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collaboration_members (collaboration_id, user_id, role, joined_at) VALUES (?, ?, 'owner', ?)`,
		c.ID, createdBy, c.CreatedAt); err != nil {
		return nil, fmt.Errorf("adding owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutMembership grants userID membership of collaborationID.
func (s *Store) PutMembership(ctx context.Context, collaborationID, userID, role string) (*Membership, error) {
	if role == "" {
		role = "member"
	}
	m := Membership{CollaborationID: collaborationID, UserID: userID, Role: role, JoinedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaboration_members (collaboration_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collaboration_id, user_id) DO UPDATE SET role = excluded.role`,
		m.CollaborationID, m.UserID, m.Role, m.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("saving membership: %w", err)
	}
	return &m, nil
}

// RemoveMembership revokes membership. Absent memberships are ignored.
func (s *Store) RemoveMembership(ctx context.Context, collaborationID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM collaboration_members WHERE collaboration_id = ? AND user_id = ?`,
		collaborationID, userID)
	return err
}

// GetMembership returns the membership record, or nil when userID is not a
// member of collaborationID.
func (s *Store) GetMembership(ctx context.Context, userID, collaborationID string) (*Membership, error) {
	var m Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT collaboration_id, user_id, role, joined_at
		FROM collaboration_members WHERE collaboration_id = ? AND user_id = ?`,
		collaborationID, userID).
		Scan(&m.CollaborationID, &m.UserID, &m.Role, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding membership: %w", err)
	}
	return &m, nil
}

// Messages

const messageColumns = `
	m.id, m.collaboration_id, m.content, m.type, COALESCE(m.parent_id, ''), m.sender_id, m.created_at,
	u.id, u.name, u.email, u.role, u.avatar_url`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.CollaborationID, &m.Content, &m.Type, &m.ParentID, &m.SenderID, &m.CreatedAt,
		&m.Sender.ID, &m.Sender.Name, &m.Sender.Email, &m.Sender.Role, &m.Sender.AvatarURL)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage persists a message and returns it with the sender profile.
func (s *Store) CreateMessage(ctx context.Context, in NewMessage) (*Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("message content required: %w", errs.ErrValidation)
	}
	if in.Type == "" {
		in.Type = DefaultMessageType
	}
	var parent sql.NullString
	if in.ParentID != "" {
		var parentCollab string
		err := s.db.QueryRowContext(ctx, `SELECT collaboration_id FROM messages WHERE id = ?`, in.ParentID).Scan(&parentCollab)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && parentCollab != in.CollaborationID) {
			return nil, fmt.Errorf("parent message %s: %w", in.ParentID, errs.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("finding parent message: %w", err)
		}
		parent = sql.NullString{String: in.ParentID, Valid: true}
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, collaboration_id, sender_id, parent_id, content, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, in.CollaborationID, in.SenderID, parent, in.Content, in.Type, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("finding message: %w", err)
	}
	return m, nil
}

// ListMessages returns the newest limit messages of a collaboration,
// oldest first.
func (s *Store) ListMessages(ctx context.Context, collaborationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.collaboration_id = ?
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ?`, collaborationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out, nil
}
