// Package message persists the ordered message log of each dialog and the
// monotonic unread-to-read flag transition.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parley/chat-backend/internal/user"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message: not found")

// Message is a single message as returned by dialog listings.
type Message struct {
	ID        int64        `json:"id"`
	Text      string       `json:"text"`
	Read      bool         `json:"read"`
	CreatedAt time.Time    `json:"created_at"`
	Author    user.Profile `json:"author"`
}

// DialogRef identifies the dialog a message belongs to together with its
// two participants.
type DialogRef struct {
	DialogID  int64 `json:"dialogId"`
	AuthorID  int64 `json:"authorId"`
	PartnerID int64 `json:"partnerId"`
}

// Composite is the full message-plus-dialog payload broadcast to clients
// when a message is created.
type Composite struct {
	Dialog  DialogRef `json:"dialog"`
	Message Message   `json:"message"`
}

// Store manages message rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an unread message and returns its id.
func (s *Store) Create(ctx context.Context, dialogID, authorID int64, text string) (int64, error) {
	const query = `
		INSERT INTO messages (dialog_id, author_id, text)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, dialogID, authorID, text).Scan(&id); err != nil {
		return 0, fmt.Errorf("message: create: %w", err)
	}
	return id, nil
}

// ListByDialog returns the dialog's messages in creation order; insertion
// order (ascending id) breaks timestamp ties.
func (s *Store) ListByDialog(ctx context.Context, dialogID int64) ([]Message, error) {
	const query = `
		SELECT m.id, m.text, m.read, m.created_at,
		       u.id, u.first_name, u.last_name, u.photo_filename
		FROM messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.dialog_id = $1
		ORDER BY m.created_at ASC, m.id ASC`

	rows, err := s.db.QueryContext(ctx, query, dialogID)
	if err != nil {
		return nil, fmt.Errorf("message: list by dialog: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.Text, &m.Read, &m.CreatedAt,
			&m.Author.ID, &m.Author.FirstName, &m.Author.LastName, &m.Author.Photo.Filename,
		); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead flips every unread message in the dialog authored by authorID
// to read and returns the number of rows changed. The update only moves
// the flag false -> true, so re-running it is a no-op returning zero.
func (s *Store) MarkRead(ctx context.Context, dialogID, authorID int64) (int64, error) {
	const query = `
		UPDATE messages
		SET read = TRUE
		WHERE dialog_id = $1 AND author_id = $2 AND read = FALSE`

	res, err := s.db.ExecContext(ctx, query, dialogID, authorID)
	if err != nil {
		return 0, fmt.Errorf("message: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message: mark read rows: %w", err)
	}
	return n, nil
}

// Composite loads the full broadcast payload for a freshly created
// message: the message with its author profile plus the owning dialog's
// participant pair.
func (s *Store) Composite(ctx context.Context, messageID int64) (*Composite, error) {
	const query = `
		SELECT m.id, m.text, m.read, m.created_at,
		       u.id, u.first_name, u.last_name, u.photo_filename,
		       d.id, d.author_id, d.partner_id
		FROM messages m
		JOIN users u ON u.id = m.author_id
		JOIN dialogs d ON d.id = m.dialog_id
		WHERE m.id = $1`

	var c Composite
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&c.Message.ID, &c.Message.Text, &c.Message.Read, &c.Message.CreatedAt,
		&c.Message.Author.ID, &c.Message.Author.FirstName, &c.Message.Author.LastName, &c.Message.Author.Photo.Filename,
		&c.Dialog.DialogID, &c.Dialog.AuthorID, &c.Dialog.PartnerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: composite %d: %w", messageID, err)
	}
	return &c, nil
}
