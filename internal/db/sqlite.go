package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/algae514/zerocode-llm-chat/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const (
	appDirName = ".zerocode-llm-chat"
	dbFileName = "chat_history.db"

	// timeLayout is fixed width so that ORDER BY on the text column is
	// chronological.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages(conversation_id, timestamp);`

// ErrNotFound is returned by reads when no conversation has the given id.
var ErrNotFound = errors.New("conversation not found")

type Database struct {
	db   *sql.DB
	path string
}

// DefaultPath returns the store location under the user's home directory,
// creating the application directory if it does not exist yet.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	dir := filepath.Join(home, appDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return filepath.Join(dir, dbFileName), nil
}

// New opens the store at dbPath and makes sure the schema exists.
func New(dbPath string) (*Database, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName(dbPath))
	if err != nil {
		return nil, err
	}

	database := &Database{db: db, path: dbPath}
	if err := database.Initialize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// dataSourceName escapes dbPath so that '?', '#' and '%' in it stay part of
// the file name. Immediate transactions take the write lock at BEGIN, which
// serializes writers across connections and processes.
func dataSourceName(dbPath string) string {
	u := url.URL{Path: dbPath}
	return "file:" + u.EscapedPath() + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"
}

// Initialize creates the tables if they are missing. Safe to call repeatedly.
func (db *Database) Initialize(ctx context.Context) error {
	if _, err := db.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (db *Database) Path() string {
	return db.path
}

func (db *Database) Close() error {
	return db.db.Close()
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise, including on panic.
func (db *Database) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *Database) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
        SELECT id, title, model, created_at, updated_at, summary
        FROM conversations
        WHERE id = ?`

	conv, err := scanConversation(db.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conv, err
}

func (db *Database) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	query := `
        SELECT id, conversation_id, role, content, timestamp
        FROM messages
        WHERE conversation_id = ?
        ORDER BY timestamp, id`

	rows, err := db.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg  models.Message
			role string
			ts   string
		)
		if err := rows.Scan(&msg.ID, &msg.ConvID, &role, &msg.Content, &ts); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if msg.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (db *Database) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	query := `
        SELECT id, title, model, created_at, updated_at, summary
        FROM conversations
        ORDER BY updated_at DESC, created_at DESC`

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, rows.Err()
}

// Tx exposes the write primitives available inside WithTx.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) InsertConversation(ctx context.Context, conv *models.Conversation) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO conversations (id, title, model, created_at, updated_at, summary)
        VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Model, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt), conv.Summary)
	return err
}

// InsertMessage stores msg and returns the id assigned by the store.
func (t *Tx) InsertMessage(ctx context.Context, msg *models.Message) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
        INSERT INTO messages (conversation_id, role, content, timestamp)
        VALUES (?, ?, ?, ?)`,
		msg.ConvID, string(msg.Role), msg.Content, formatTime(msg.Timestamp))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (t *Tx) ConversationExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

func (t *Tx) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&n)
	return n, err
}

func (t *Tx) CountMessagesByRole(ctx context.Context, conversationID string, role models.Role) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = ?",
		conversationID, string(role)).Scan(&n)
	return n, err
}

func (t *Tx) GetSummary(ctx context.Context, conversationID string) (string, error) {
	var summary string
	err := t.tx.QueryRowContext(ctx, "SELECT summary FROM conversations WHERE id = ?", conversationID).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return summary, err
}

// TouchConversation sets updated_at to at, never earlier than created_at.
func (t *Tx) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = MAX(?, created_at) WHERE id = ?", formatTime(at), id)
	return err
}

func (t *Tx) SetSummary(ctx context.Context, id, summary string) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE conversations SET summary = ? WHERE id = ?", summary, id)
	return err
}

// UpdateTitle reports the number of conversations changed.
func (t *Tx) UpdateTitle(ctx context.Context, id, title string) (int64, error) {
	result, err := t.tx.ExecContext(ctx, "UPDATE conversations SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (t *Tx) DeleteMessages(ctx context.Context, conversationID string) (int64, error) {
	result, err := t.tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (t *Tx) DeleteConversation(ctx context.Context, id string) (int64, error) {
	result, err := t.tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv               models.Conversation
		createdAt, updated string
	)
	if err := row.Scan(&conv.ID, &conv.Title, &conv.Model, &createdAt, &updated, &conv.Summary); err != nil {
		return nil, err
	}
	var err error
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &conv, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
