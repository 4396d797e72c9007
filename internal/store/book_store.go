package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bibliofeed/aggregator/internal/dedup"
)

// BookStore owns the books table. Resolved rows carry an ISBN; synthetic
// rows preserve generation output while the resolution budget recovers and
// are upgraded later by the enhancement pass.
type BookStore struct {
	db DB
}

// NewBookStore creates a BookStore over the given pool.
func NewBookStore(db DB) *BookStore {
	return &BookStore{db: db}
}

const insertBookQuery = `
INSERT INTO books (title, author, normalized_key, year, month, format, isbn, cover_url, source, synthetic)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
ON CONFLICT (normalized_key) DO NOTHING
RETURNING id`

// Insert persists one record, skipping rows whose normalized title/author
// key already exists. Returns (0, nil) when the row was a duplicate.
func (s *BookStore) Insert(ctx context.Context, rec BookRecord) (int64, error) {
	key := dedup.Key(rec.Title, rec.Author)
	var id int64
	err := s.db.QueryRow(ctx, insertBookQuery,
		rec.Title, rec.Author, key, rec.Year, rec.Month, rec.Format,
		rec.ISBN, rec.CoverURL, rec.Source, rec.Synthetic).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("insert book %q: %w", rec.Title, err)
	}
	return id, nil
}

// ExistsSimilar reports whether the normalized title/author key is already
// in the catalog. Used by the dedup engine's corpus membership fan-out.
func (s *BookStore) ExistsSimilar(ctx context.Context, title, author string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM books WHERE normalized_key = $1)`,
		dedup.Key(title, author)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check book existence: %w", err)
	}
	return exists, nil
}

// MarkResolved upgrades a synthetic record once the enhancement pass finds
// its ISBN.
func (s *BookStore) MarkResolved(ctx context.Context, id int64, isbn, coverURL string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE books SET isbn = $2, cover_url = $3, synthetic = FALSE WHERE id = $1 AND synthetic`,
		id, isbn, coverURL)
	if err != nil {
		return fmt.Errorf("mark book %d resolved: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark book %d resolved: not a synthetic row", id)
	}
	return nil
}

// CountSynthetic reports the backlog left for the enhancement pass.
func (s *BookStore) CountSynthetic(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM books WHERE synthetic`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count synthetic books: %w", err)
	}
	return n, nil
}
