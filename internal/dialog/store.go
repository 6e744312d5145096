// Package dialog persists one-to-one dialogs and answers the membership
// question every chat operation is gated on. A dialog is unique per
// unordered pair of participants; the pair is fixed at creation and only
// the last-message preview ever changes.
package dialog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/parley/chat-backend/internal/user"
)

// ErrNotFound is returned when a dialog id does not exist.
var ErrNotFound = errors.New("dialog: not found")

// ErrExists is returned by Create when a dialog for the pair already
// exists, in either orientation.
var ErrExists = errors.New("dialog: already exists")

// Dialog is a bare dialog row.
type Dialog struct {
	ID          int64  `json:"id"`
	AuthorID    int64  `json:"authorId"`
	PartnerID   int64  `json:"partnerId"`
	LastMessage string `json:"lastMessage"`
}

// Info is a dialog enriched for a specific viewer: both participants'
// public profiles and the count of partner-authored messages the viewer
// has not read yet.
type Info struct {
	ID          int64        `json:"id"`
	LastMessage string       `json:"lastMessage"`
	Author      user.Profile `json:"author"`
	Partner     user.Profile `json:"partner"`
	UnreadCount int          `json:"unreadCount"`
}

// Partner returns the participant of d that is not userID. The second
// return is false when userID is not a participant at all.
func (d *Dialog) Partner(userID int64) (int64, bool) {
	switch userID {
	case d.AuthorID:
		return d.PartnerID, true
	case d.PartnerID:
		return d.AuthorID, true
	}
	return 0, false
}

// Store manages dialog rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a dialog store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a dialog for the pair and returns its id. The unique
// index on the unordered pair turns a duplicate insert into ErrExists no
// matter which side races.
func (s *Store) Create(ctx context.Context, authorID, partnerID int64, lastMessage string) (int64, error) {
	const query = `
		INSERT INTO dialogs (author_id, partner_id, last_message)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query, authorID, partnerID, lastMessage).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("dialog: create: %w", err)
	}
	return id, nil
}

// GetByPair returns the dialog between the two users regardless of which
// of them created it, or nil when none exists.
func (s *Store) GetByPair(ctx context.Context, a, b int64) (*Dialog, error) {
	const query = `
		SELECT id, author_id, partner_id, last_message
		FROM dialogs
		WHERE (author_id = $1 AND partner_id = $2)
		   OR (author_id = $2 AND partner_id = $1)`

	var d Dialog
	err := s.db.QueryRowContext(ctx, query, a, b).Scan(&d.ID, &d.AuthorID, &d.PartnerID, &d.LastMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dialog: get by pair: %w", err)
	}
	return &d, nil
}

// Get returns the dialog row for an id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, dialogID int64) (*Dialog, error) {
	const query = `
		SELECT id, author_id, partner_id, last_message
		FROM dialogs
		WHERE id = $1`

	var d Dialog
	err := s.db.QueryRowContext(ctx, query, dialogID).Scan(&d.ID, &d.AuthorID, &d.PartnerID, &d.LastMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dialog: get %d: %w", dialogID, err)
	}
	return &d, nil
}

// IsParticipant reports whether userID is one of the dialog's two
// participants. An absent dialog yields false, not an error: callers must
// not be able to distinguish "no such dialog" from "not yours".
func (s *Store) IsParticipant(ctx context.Context, dialogID, userID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM dialogs
			WHERE id = $1 AND (author_id = $2 OR partner_id = $2)
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, dialogID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("dialog: is participant: %w", err)
	}
	return ok, nil
}

// UpdateLastMessage sets the dialog's last-message preview.
func (s *Store) UpdateLastMessage(ctx context.Context, dialogID int64, text string) error {
	const query = `UPDATE dialogs SET last_message = $2 WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, dialogID, text)
	if err != nil {
		return fmt.Errorf("dialog: update last message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const infoColumns = `
	d.id, d.last_message,
	a.id, a.first_name, a.last_name, a.photo_filename,
	p.id, p.first_name, p.last_name, p.photo_filename,
	(SELECT COUNT(*) FROM messages m
	  WHERE m.dialog_id = d.id AND m.author_id <> $1 AND m.read = FALSE) AS unread_count`

// ListByUser returns every dialog the viewer participates in, enriched
// with both profiles and the viewer's unread count, most recently active
// first (ties broken by dialog id descending).
func (s *Store) ListByUser(ctx context.Context, viewerID int64) ([]Info, error) {
	query := `
		SELECT` + infoColumns + `,
		       (SELECT COALESCE(MAX(m.created_at), d.created_at)
		          FROM messages m WHERE m.dialog_id = d.id) AS last_activity
		FROM dialogs d
		JOIN users a ON a.id = d.author_id
		JOIN users p ON p.id = d.partner_id
		WHERE d.author_id = $1 OR d.partner_id = $1
		ORDER BY last_activity DESC, d.id DESC`

	rows, err := s.db.QueryContext(ctx, query, viewerID)
	if err != nil {
		return nil, fmt.Errorf("dialog: list by user: %w", err)
	}
	defer rows.Close()

	infos := make([]Info, 0)
	for rows.Next() {
		var (
			info         Info
			lastActivity sql.NullTime
		)
		if err := rows.Scan(
			&info.ID, &info.LastMessage,
			&info.Author.ID, &info.Author.FirstName, &info.Author.LastName, &info.Author.Photo.Filename,
			&info.Partner.ID, &info.Partner.FirstName, &info.Partner.LastName, &info.Partner.Photo.Filename,
			&info.UnreadCount, &lastActivity,
		); err != nil {
			return nil, fmt.Errorf("dialog: scan: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// InfoByPair returns the enriched dialog between two users with the
// unread count computed for viewerID, or nil when no dialog exists.
func (s *Store) InfoByPair(ctx context.Context, a, b, viewerID int64) (*Info, error) {
	query := `
		SELECT` + infoColumns + `
		FROM dialogs d
		JOIN users a ON a.id = d.author_id
		JOIN users p ON p.id = d.partner_id
		WHERE (d.author_id = $2 AND d.partner_id = $3)
		   OR (d.author_id = $3 AND d.partner_id = $2)`

	var info Info
	err := s.db.QueryRowContext(ctx, query, viewerID, a, b).Scan(
		&info.ID, &info.LastMessage,
		&info.Author.ID, &info.Author.FirstName, &info.Author.LastName, &info.Author.Photo.Filename,
		&info.Partner.ID, &info.Partner.FirstName, &info.Partner.LastName, &info.Partner.Photo.Filename,
		&info.UnreadCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dialog: info by pair: %w", err)
	}
	return &info, nil
}
