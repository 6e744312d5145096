// Package user provides the directory of registered users: profile lookup
// by id and discovery of users the caller has no dialog with yet.
// Registration and password handling live in a separate service.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrNotFound is returned when no user exists for the requested id.
var ErrNotFound = errors.New("user: not found")

// Photo is the public photo attachment of a profile.
type Photo struct {
	Filename string `json:"filename"`
}

// Profile is the public view of a user. Email is only populated by Resolve;
// listing queries leave it empty.
type Profile struct {
	ID        int64  `json:"id"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Photo     Photo  `json:"photo"`
}

// Store reads user profiles from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a user directory backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Resolve returns the full profile for a user id, or ErrNotFound.
func (s *Store) Resolve(ctx context.Context, id int64) (*Profile, error) {
	const query = `
		SELECT id, email, first_name, last_name, photo_filename
		FROM users
		WHERE id = $1`

	var p Profile
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.Photo.Filename,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: resolve %d: %w", id, err)
	}
	return &p, nil
}

// ListOthers returns every user except excludeID and the ids in excludeIDs.
// It backs the "users you can still start a dialog with" listing.
func (s *Store) ListOthers(ctx context.Context, excludeID int64, excludeIDs []int64) ([]Profile, error) {
	const query = `
		SELECT id, first_name, last_name, photo_filename
		FROM users
		WHERE id <> $1 AND id <> ALL($2)
		ORDER BY id`

	if excludeIDs == nil {
		excludeIDs = []int64{}
	}

	rows, err := s.db.QueryContext(ctx, query, excludeID, pq.Array(excludeIDs))
	if err != nil {
		return nil, fmt.Errorf("user: list others: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Photo.Filename); err != nil {
			return nil, fmt.Errorf("user: scan: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}
