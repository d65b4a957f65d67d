package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

const (
	sqlSelectFollow = `SELECT id, account_id, target_account_id, uri, created_at, accepted FROM follows`
)

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	err := row.Scan(&f.Id, &f.AccountId, &f.TargetAccountId, &f.URI, &f.CreatedAt, &f.Accepted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// insertIgnore runs an INSERT OR IGNORE and reports whether a row was added.
func (db *DB) insertIgnore(ctx context.Context, query string, args ...any) (bool, error) {
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n > 0
		return err
	})
	return created, err
}

func (db *DB) deleteRows(ctx context.Context, query string, args ...any) (bool, error) {
	var deleted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, err
}

// CreateFollow records a follow. It returns false when the pair already exists.
func (db *DB) CreateFollow(ctx context.Context, f *domain.Follow) (bool, error) {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return db.insertIgnore(ctx, `INSERT OR IGNORE INTO follows(id, account_id, target_account_id, uri, created_at, accepted) VALUES (?, ?, ?, ?, ?, ?)`,
		f.Id, f.AccountId, f.TargetAccountId, f.URI, f.CreatedAt, f.Accepted)
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow+` WHERE uri = ?`, uri))
}

func (db *DB) ReadFollow(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow+` WHERE account_id = ? AND target_account_id = ?`, accountId, targetId))
}

func (db *DB) AcceptFollow(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE follows SET accepted = 1 WHERE id = ?`, id)
		return err
	})
}

func (db *DB) DeleteFollow(ctx context.Context, id uuid.UUID) (bool, error) {
	return db.deleteRows(ctx, `DELETE FROM follows WHERE id = ?`, id)
}

// CountFollowers returns the number of accepted followers of an account.
func (db *DB) CountFollowers(ctx context.Context, accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND accepted = 1`, accountId).Scan(&count)
	return count, err
}

// CountFollowing returns the number of accepted follows an account has made.
func (db *DB) CountFollowing(ctx context.Context, accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follows WHERE account_id = ? AND accepted = 1`, accountId).Scan(&count)
	return count, err
}

// CreateLike records a like or reaction on a local note. A second reaction by
// the same account replaces nothing and returns false.
func (db *DB) CreateLike(ctx context.Context, l *domain.Like) (bool, error) {
	if l.Id == uuid.Nil {
		l.Id = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return db.insertIgnore(ctx, `INSERT OR IGNORE INTO likes(id, account_id, note_id, uri, reaction, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.Id, l.AccountId, l.NoteId, l.URI, l.Reaction, l.CreatedAt)
}

// DeleteLike removes a like by its activity URI, or by the note it targets
// when the URI is unknown.
func (db *DB) DeleteLike(ctx context.Context, accountId uuid.UUID, uri string, noteId uuid.UUID) (bool, error) {
	return db.deleteRows(ctx, `DELETE FROM likes WHERE account_id = ? AND (uri = ? OR note_id = ?)`, accountId, uri, noteId)
}

func (db *DB) CountLikes(ctx context.Context, noteId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM likes WHERE note_id = ?`, noteId).Scan(&count)
	return count, err
}

func (db *DB) CreateAnnounce(ctx context.Context, a *domain.Announce) (bool, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return db.insertIgnore(ctx, `INSERT OR IGNORE INTO announces(id, account_id, object_uri, uri, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.Id, a.AccountId, a.ObjectURI, a.URI, a.CreatedAt)
}

func (db *DB) DeleteAnnounce(ctx context.Context, accountId uuid.UUID, uri string) (bool, error) {
	return db.deleteRows(ctx, `DELETE FROM announces WHERE account_id = ? AND uri = ?`, accountId, uri)
}

func (db *DB) CreateBlock(ctx context.Context, b *domain.Block) (bool, error) {
	if b.Id == uuid.Nil {
		b.Id = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO blocks(id, account_id, target_account_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`,
			b.Id, b.AccountId, b.TargetAccountId, b.URI, b.CreatedAt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		// A block severs follows in both directions.
		_, err = tx.ExecContext(ctx, `DELETE FROM follows WHERE (account_id = ? AND target_account_id = ?) OR (account_id = ? AND target_account_id = ?)`,
			b.AccountId, b.TargetAccountId, b.TargetAccountId, b.AccountId)
		return err
	})
	return created, err
}

func (db *DB) DeleteBlock(ctx context.Context, accountId, targetId uuid.UUID) (bool, error) {
	return db.deleteRows(ctx, `DELETE FROM blocks WHERE account_id = ? AND target_account_id = ?`, accountId, targetId)
}

func (db *DB) IsBlocked(ctx context.Context, accountId, targetId uuid.UUID) (bool, error) {
	var count int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE account_id = ? AND target_account_id = ?`, accountId, targetId).Scan(&count)
	return count > 0, err
}

// CreateReport stores a Flag. Reports are keyed by activity URI.
func (db *DB) CreateReport(ctx context.Context, r *domain.Report) (bool, error) {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	objects, err := json.Marshal(r.ObjectURIs)
	if err != nil {
		return false, err
	}
	return db.insertIgnore(ctx, `INSERT OR IGNORE INTO reports(id, reporter_id, target_account_id, uri, comment, object_uris, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Id, r.ReporterId, r.TargetAccountId, r.URI, r.Comment, string(objects), r.CreatedAt)
}

func (db *DB) ReadReports(ctx context.Context, targetId uuid.UUID) ([]domain.Report, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT id, reporter_id, target_account_id, uri, COALESCE(comment, ''), COALESCE(object_uris, '[]'), created_at
		FROM reports WHERE target_account_id = ? ORDER BY created_at`, targetId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []domain.Report
	for rows.Next() {
		var r domain.Report
		var objects string
		if err := rows.Scan(&r.Id, &r.ReporterId, &r.TargetAccountId, &r.URI, &r.Comment, &objects, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(objects), &r.ObjectURIs); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// SharedInboxesOfEveryone returns the distinct shared inboxes of every known
// remote actor.
func (db *DB) SharedInboxesOfEveryone(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT DISTINCT shared_inbox_uri FROM remote_accounts WHERE shared_inbox_uri IS NOT NULL AND shared_inbox_uri != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

// FollowerInboxesOf returns delivery addresses of the accepted remote
// followers of a local account.
func (db *DB) FollowerInboxesOf(ctx context.Context, accountId uuid.UUID) ([]domain.FollowerInbox, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT r.actor_uri, r.inbox_uri, COALESCE(r.shared_inbox_uri, '')
		FROM follows f INNER JOIN remote_accounts r ON r.id = f.account_id
		WHERE f.target_account_id = ? AND f.accepted = 1`, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []domain.FollowerInbox
	for rows.Next() {
		var fi domain.FollowerInbox
		if err := rows.Scan(&fi.ActorURI, &fi.InboxURI, &fi.SharedInboxURI); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, fi)
	}
	return inboxes, rows.Err()
}

// ReadFollowerURIs returns actor URIs of accepted followers, for the
// followers collection.
func (db *DB) ReadFollowerURIs(ctx context.Context, accountId uuid.UUID) ([]string, error) {
	inboxes, err := db.FollowerInboxesOf(ctx, accountId)
	if err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(inboxes))
	for _, fi := range inboxes {
		uris = append(uris, fi.ActorURI)
	}
	return uris, nil
}
