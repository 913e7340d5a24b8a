package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirechat-sync/internal/store"
	"github.com/vovakirdan/wirechat-sync/internal/utils"
)

//go:embed schema.sql
var schema string

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store and applies the embedded schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	query := `
		INSERT INTO users (username, password_hash)
		VALUES (?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, username, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE id = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = ?
	`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// SearchUsers returns users whose username contains query, ordered by username.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query string) ([]*store.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username LIKE ?
		ORDER BY username ASC
		LIMIT 50
	`, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	users := make([]*store.User, 0)
	for rows.Next() {
		var user store.User
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

// ==== ChatStore implementation ====

// CreateMessage assigns an ID and persists the message unlinked.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = utils.NewID()
	}
	if msg.Type == "" {
		msg.Type = store.MessageTypeDirect
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (id, body, author, type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, msg.ID, msg.Body, msg.Author, string(msg.Type), msg.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// CreateChat creates a chat referencing already-created messages.
func (s *SQLiteStore) CreateChat(ctx context.Context, participants []string, messageIDs []string) (*store.Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	chatID := utils.NewID()
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, chatID, now, now); err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}

	for _, p := range participants {
		if err := insertParticipant(ctx, tx, chatID, p); err != nil {
			return nil, err
		}
	}

	for _, messageID := range messageIDs {
		if err := linkMessage(ctx, tx, chatID, messageID); err != nil {
			return nil, err
		}
	}

	chat, err := getChat(ctx, tx, chatID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return chat, nil
}

// GetChat retrieves the raw chat.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*store.Chat, error) {
	return getChat(ctx, s.db, id)
}

// AddMessageToChat appends an existing message to the chat's log.
func (s *SQLiteStore) AddMessageToChat(ctx context.Context, chatID, messageID string) (*store.Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := chatExists(ctx, tx, chatID); err != nil {
		return nil, err
	}
	if err := linkMessage(ctx, tx, chatID, messageID); err != nil {
		return nil, err
	}
	if err := touchChat(ctx, tx, chatID); err != nil {
		return nil, err
	}

	chat, err := getChat(ctx, tx, chatID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return chat, nil
}

// AddParticipant inserts username into the chat's participant set.
func (s *SQLiteStore) AddParticipant(ctx context.Context, chatID, username string) (*store.Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := chatExists(ctx, tx, chatID); err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_participants (chat_id, username)
		VALUES (?, ?)
	`, chatID, username)
	if err != nil {
		return nil, fmt.Errorf("insert participant: %w", err)
	}
	if added, _ := result.RowsAffected(); added > 0 {
		if err := touchChat(ctx, tx, chatID); err != nil {
			return nil, err
		}
	}

	chat, err := getChat(ctx, tx, chatID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return chat, nil
}

// ListChatsByParticipant lists chats containing username, most recently updated first.
func (s *SQLiteStore) ListChatsByParticipant(ctx context.Context, username string) ([]*store.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.username = ?
		ORDER BY c.updated_at DESC, c.rowid DESC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	// The single pooled connection must be released before the follow-up queries.
	rows.Close()

	chats := make([]*store.Chat, 0, len(ids))
	for _, id := range ids {
		chat, err := getChat(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// PopulateChat loads the chat with its messages and their authors resolved.
func (s *SQLiteStore) PopulateChat(ctx context.Context, chatID string) (*store.PopulatedChat, error) {
	chat, err := getChat(ctx, s.db, chatID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.body, m.author, m.type, m.created_at, u.id, u.username
		FROM chat_messages cm
		JOIN messages m ON m.id = cm.message_id
		LEFT JOIN users u ON u.username = m.author
		WHERE cm.chat_id = ?
		ORDER BY cm.seq ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	populated := &store.PopulatedChat{
		ID:           chat.ID,
		Participants: chat.Participants,
		Messages:     make([]store.PopulatedMessage, 0, len(chat.MessageIDs)),
		CreatedAt:    chat.CreatedAt,
		UpdatedAt:    chat.UpdatedAt,
	}
	for rows.Next() {
		var (
			msg      store.PopulatedMessage
			msgType  string
			userID   sql.NullInt64
			username sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.Body, &msg.Author, &msgType, &msg.CreatedAt, &userID, &username); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if !userID.Valid {
			return nil, fmt.Errorf("author %q of message %s: %w", msg.Author, msg.ID, store.ErrNotFound)
		}
		msg.Type = store.MessageType(msgType)
		msg.User = &store.UserRef{ID: userID.Int64, Username: username.String}
		populated.Messages = append(populated.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return populated, nil
}

func getChat(ctx context.Context, q querier, id string) (*store.Chat, error) {
	var chat store.Chat
	err := q.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at
		FROM chats
		WHERE id = ?
	`, id).Scan(&chat.ID, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query chat: %w", err)
	}

	participants, err := queryStrings(ctx, q, `
		SELECT username FROM chat_participants
		WHERE chat_id = ?
		ORDER BY rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	messageIDs, err := queryStrings(ctx, q, `
		SELECT message_id FROM chat_messages
		WHERE chat_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query message ids: %w", err)
	}

	chat.Participants = participants
	chat.MessageIDs = messageIDs
	return &chat, nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func chatExists(ctx context.Context, q querier, chatID string) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE id = ?`, chatID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
		}
		return fmt.Errorf("query chat: %w", err)
	}
	return nil
}

func insertParticipant(ctx context.Context, q querier, chatID, username string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_participants (chat_id, username)
		VALUES (?, ?)
	`, chatID, username)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func linkMessage(ctx context.Context, q querier, chatID, messageID string) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, messageID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
		}
		return fmt.Errorf("query message: %w", err)
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO chat_messages (chat_id, message_id)
		VALUES (?, ?)
	`, chatID, messageID); err != nil {
		return fmt.Errorf("link message: %w", err)
	}
	return nil
}

func touchChat(ctx context.Context, q querier, chatID string) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE chats SET updated_at = ? WHERE id = ?
	`, time.Now().UTC(), chatID); err != nil {
		return fmt.Errorf("update chat timestamp: %w", err)
	}
	return nil
}
