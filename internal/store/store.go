// Package store persists fetched collection pages in SQLite so the next run
// starts from what was last seen.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	_ "modernc.org/sqlite"

	"go.withmatt.com/mailsync/internal/mail"
)

const fileName = "mailsync.sqlite"

var schema = []string{`
CREATE TABLE IF NOT EXISTS collections (
	account TEXT NOT NULL,
	key TEXT NOT NULL,
	total INTEGER NOT NULL,
	saved_at INTEGER NOT NULL,
	PRIMARY KEY (account, key)
)`, `
CREATE TABLE IF NOT EXISTS pages (
	account TEXT NOT NULL,
	key TEXT NOT NULL,
	page INTEGER NOT NULL,
	cursor TEXT NOT NULL,
	PRIMARY KEY (account, key, page)
)`, `
CREATE TABLE IF NOT EXISTS items (
	account TEXT NOT NULL,
	key TEXT NOT NULL,
	page INTEGER NOT NULL,
	position INTEGER NOT NULL,
	id TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	labels TEXT NOT NULL,
	date INTEGER NOT NULL,
	sender TEXT NOT NULL,
	subject TEXT NOT NULL,
	snippet TEXT NOT NULL,
	PRIMARY KEY (account, key, page, position)
)`,
}

// Snapshot is a saved collection.
type Snapshot struct {
	Pages   []mail.Page
	Total   int
	SavedAt time.Time
}

// Store is a SQLite database of collection snapshots. A nil *Store is valid
// and stores nothing.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// DefaultPath is the database location under the XDG cache dir.
func DefaultPath() (string, error) {
	return xdg.CacheFile(filepath.Join("mailsync", fileName))
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AccountKey turns an email address into the key rows are stored under.
func AccountKey(email string) string {
	if email == "" {
		return "unknown"
	}
	key := strings.ToLower(email)
	replacer := strings.NewReplacer(
		"@", "_at_",
		".", "_dot_",
		"+", "_plus_",
		":", "_",
		"/", "_",
		"\\", "_",
	)
	return replacer.Replace(key)
}

// Save replaces the stored snapshot of key.
func (s *Store) Save(ctx context.Context, account, key string, pages []mail.Page, total int) error {
	if s == nil || s.db == nil {
		return nil
	}
	account = AccountKey(account)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := deleteLocked(ctx, tx, account, key); err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collections (account, key, total, saved_at) VALUES (?, ?, ?, ?)`,
		account, key, total, time.Now().UTC().Unix(),
	); err != nil {
		_ = tx.Rollback()
		return err
	}

	pageStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pages (account, key, page, cursor) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer pageStmt.Close()

	itemStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (account, key, page, position, id, thread_id, labels, date, sender, subject, snippet)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer itemStmt.Close()

	for p, page := range pages {
		if _, err := pageStmt.ExecContext(ctx, account, key, p, page.Cursor); err != nil {
			_ = tx.Rollback()
			return err
		}
		for i, item := range page.Items {
			if _, err := itemStmt.ExecContext(ctx,
				account, key, p, i,
				item.ID, item.ThreadID, item.Labels.String(), item.Date.Unix(),
				item.From, item.Subject, item.Snippet,
			); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}

	return tx.Commit()
}

// Load returns the stored snapshot of key. ok is false when none exists.
func (s *Store) Load(ctx context.Context, account, key string) (snap Snapshot, ok bool, err error) {
	if s == nil || s.db == nil {
		return Snapshot{}, false, nil
	}
	account = AccountKey(account)

	var savedAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT total, saved_at FROM collections WHERE account = ? AND key = ?`,
		account, key,
	).Scan(&snap.Total, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap.SavedAt = time.Unix(savedAt, 0).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT cursor FROM pages WHERE account = ? AND key = ? ORDER BY page`,
		account, key,
	)
	if err != nil {
		return Snapshot{}, false, err
	}
	for rows.Next() {
		var page mail.Page
		if err := rows.Scan(&page.Cursor); err != nil {
			rows.Close()
			return Snapshot{}, false, err
		}
		snap.Pages = append(snap.Pages, page)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT page, id, thread_id, labels, date, sender, subject, snippet
		FROM items WHERE account = ? AND key = ?
		ORDER BY page, position
	`, account, key)
	if err != nil {
		return Snapshot{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			page   int
			item   mail.Item
			labels string
			date   int64
		)
		if err := rows.Scan(&page, &item.ID, &item.ThreadID, &labels, &date,
			&item.From, &item.Subject, &item.Snippet); err != nil {
			return Snapshot{}, false, err
		}
		if page < 0 || page >= len(snap.Pages) {
			continue
		}
		if labels != "" {
			item.Labels = mail.NewLabels(strings.Split(labels, ",")...)
		}
		item.Date = time.Unix(date, 0).UTC()
		snap.Pages[page].Items = append(snap.Pages[page].Items, item)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Delete drops the stored snapshot of key.
func (s *Store) Delete(ctx context.Context, account, key string) error {
	if s == nil || s.db == nil {
		return nil
	}
	account = AccountKey(account)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := deleteLocked(ctx, tx, account, key); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func deleteLocked(ctx context.Context, tx *sql.Tx, account, key string) error {
	for _, table := range []string{"items", "pages", "collections"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE account = ? AND key = ?`, account, key,
		); err != nil {
			return err
		}
	}
	return nil
}
