package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, actor_type, display_name, summary,
		inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, featured_uri, public_key_id, public_key_pem,
		avatar_url, banner_url, last_fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateRemoteAccount = `UPDATE remote_accounts SET username = ?, domain = ?, actor_type = ?, display_name = ?,
		summary = ?, inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?, followers_uri = ?, featured_uri = ?,
		public_key_id = ?, public_key_pem = ?, avatar_url = ?, banner_url = ?, last_fetched_at = ? WHERE id = ?`
	sqlSelectRemoteAccount = `SELECT id, username, domain, actor_uri, COALESCE(actor_type, ''), COALESCE(display_name, ''),
		COALESCE(summary, ''), inbox_uri, COALESCE(shared_inbox_uri, ''), COALESCE(outbox_uri, ''),
		COALESCE(followers_uri, ''), COALESCE(featured_uri, ''), COALESCE(public_key_id, ''), public_key_pem,
		COALESCE(avatar_url, ''), COALESCE(banner_url, ''), last_fetched_at FROM remote_accounts`

	sqlInsertRemoteNote = `INSERT INTO remote_notes(id, object_uri, remote_account_id, author_uri, content, summary, sensitive,
		in_reply_to_uri, quote_uri, visibility, published_at, updated_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateRemoteNote = `UPDATE remote_notes SET content = ?, summary = ?, sensitive = ?, quote_uri = ?, updated_at = ? WHERE id = ?`
	sqlSelectRemoteNote = `SELECT id, object_uri, remote_account_id, author_uri, COALESCE(content, ''), COALESCE(summary, ''),
		sensitive, COALESCE(in_reply_to_uri, ''), COALESCE(quote_uri, ''), COALESCE(visibility, 'public'),
		published_at, updated_at, created_at FROM remote_notes`
)

func scanRemoteAccount(row rowScanner) (*domain.RemoteAccount, error) {
	var acc domain.RemoteAccount
	err := row.Scan(&acc.Id, &acc.Username, &acc.Domain, &acc.ActorURI, &acc.ActorType, &acc.DisplayName,
		&acc.Summary, &acc.InboxURI, &acc.SharedInboxURI, &acc.OutboxURI, &acc.FollowersURI, &acc.FeaturedURI,
		&acc.PublicKeyId, &acc.PublicKeyPem, &acc.AvatarURL, &acc.BannerURL, &acc.LastFetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func scanRemoteNote(row rowScanner) (*domain.RemoteNote, error) {
	var note domain.RemoteNote
	var visibility string
	var publishedAt, updatedAt sql.NullTime
	err := row.Scan(&note.Id, &note.ObjectURI, &note.RemoteAccountId, &note.AuthorURI, &note.Content, &note.Summary,
		&note.Sensitive, &note.InReplyToURI, &note.QuoteURI, &visibility, &publishedAt, &updatedAt, &note.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	note.Visibility = domain.Visibility(visibility)
	if publishedAt.Valid {
		note.PublishedAt = publishedAt.Time
	}
	if updatedAt.Valid {
		note.UpdatedAt = &updatedAt.Time
	}
	return &note, nil
}

// CreateRemoteAccount inserts a resolved actor. A concurrent insert of the
// same actor URI yields domain.ErrDuplicate.
func (db *DB) CreateRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	if acc.LastFetchedAt.IsZero() {
		acc.LastFetchedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertRemoteAccount, acc.Id, acc.Username, acc.Domain, acc.ActorURI,
			acc.ActorType, acc.DisplayName, acc.Summary, acc.InboxURI, nullString(acc.SharedInboxURI),
			acc.OutboxURI, acc.FollowersURI, acc.FeaturedURI, acc.PublicKeyId, acc.PublicKeyPem,
			acc.AvatarURL, acc.BannerURL, acc.LastFetchedAt)
		return err
	})
}

func (db *DB) UpdateRemoteAccount(ctx context.Context, acc *domain.RemoteAccount) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateRemoteAccount, acc.Username, acc.Domain, acc.ActorType,
			acc.DisplayName, acc.Summary, acc.InboxURI, nullString(acc.SharedInboxURI), acc.OutboxURI,
			acc.FollowersURI, acc.FeaturedURI, acc.PublicKeyId, acc.PublicKeyPem, acc.AvatarURL,
			acc.BannerURL, acc.LastFetchedAt, acc.Id)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(ctx context.Context, uri string) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteAccount+` WHERE actor_uri = ?`, uri))
}

func (db *DB) ReadRemoteAccountById(ctx context.Context, id uuid.UUID) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteAccount+` WHERE id = ?`, id))
}

// ReadRemoteAccountByKeyId finds the actor owning a public key id.
func (db *DB) ReadRemoteAccountByKeyId(ctx context.Context, keyId string) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRowContext(ctx, sqlSelectRemoteAccount+` WHERE public_key_id = ? LIMIT 1`, keyId))
}

// DeleteRemoteAccount removes an actor together with everything it created.
func (db *DB) DeleteRemoteAccount(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM follows WHERE ? IN (account_id, target_account_id)`,
			`DELETE FROM likes WHERE account_id = ?`,
			`DELETE FROM announces WHERE account_id = ?`,
			`DELETE FROM blocks WHERE ? IN (account_id, target_account_id)`,
			`DELETE FROM remote_pins WHERE remote_account_id = ?`,
			`DELETE FROM remote_notes WHERE remote_account_id = ?`,
			`DELETE FROM remote_accounts WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateRemoteNote inserts a post. A concurrent insert of the same object URI
// yields domain.ErrDuplicate.
func (db *DB) CreateRemoteNote(ctx context.Context, note *domain.RemoteNote) error {
	if note.Id == uuid.Nil {
		note.Id = uuid.New()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	if note.Visibility == "" {
		note.Visibility = domain.VisibilityPublic
	}
	var updatedAt any
	if note.UpdatedAt != nil {
		updatedAt = *note.UpdatedAt
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertRemoteNote, note.Id, note.ObjectURI, note.RemoteAccountId,
			note.AuthorURI, note.Content, note.Summary, note.Sensitive, note.InReplyToURI, note.QuoteURI,
			string(note.Visibility), note.PublishedAt, updatedAt, note.CreatedAt)
		return err
	})
}

// UpdateRemoteNote applies an edit to the mutable fields of a stored post.
func (db *DB) UpdateRemoteNote(ctx context.Context, note *domain.RemoteNote) error {
	var updatedAt any
	if note.UpdatedAt != nil {
		updatedAt = *note.UpdatedAt
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateRemoteNote, note.Content, note.Summary, note.Sensitive,
			note.QuoteURI, updatedAt, note.Id)
		return err
	})
}

func (db *DB) ReadRemoteNoteByURI(ctx context.Context, uri string) (*domain.RemoteNote, error) {
	return scanRemoteNote(db.db.QueryRowContext(ctx, sqlSelectRemoteNote+` WHERE object_uri = ?`, uri))
}

// DeleteRemoteNoteByURI removes a post if it belongs to authorId and reports
// whether anything was deleted.
func (db *DB) DeleteRemoteNoteByURI(ctx context.Context, uri string, authorId uuid.UUID) (bool, error) {
	var deleted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var noteId uuid.UUID
		err := tx.QueryRowContext(ctx, `SELECT id FROM remote_notes WHERE object_uri = ? AND remote_account_id = ?`,
			uri, authorId).Scan(&noteId)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_pins WHERE remote_note_id = ?`, noteId); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_notes WHERE id = ?`, noteId); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// SetRemotePin pins or unpins a post on its author's profile.
func (db *DB) SetRemotePin(ctx context.Context, accountId, noteId uuid.UUID, pinned bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if pinned {
			_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO remote_pins(remote_account_id, remote_note_id, created_at) VALUES (?, ?, ?)`,
				accountId, noteId, time.Now().UTC())
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM remote_pins WHERE remote_account_id = ? AND remote_note_id = ?`, accountId, noteId)
		return err
	})
}

// ReplaceRemotePins sets the full pinned set of an account.
func (db *DB) ReplaceRemotePins(ctx context.Context, accountId uuid.UUID, noteIds []uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_pins WHERE remote_account_id = ?`, accountId); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, noteId := range noteIds {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO remote_pins(remote_account_id, remote_note_id, created_at) VALUES (?, ?, ?)`,
				accountId, noteId, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadRemotePins returns the object URIs pinned by an account.
func (db *DB) ReadRemotePins(ctx context.Context, accountId uuid.UUID) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT n.object_uri FROM remote_pins p
		INNER JOIN remote_notes n ON n.id = p.remote_note_id WHERE p.remote_account_id = ? ORDER BY p.created_at`, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}
