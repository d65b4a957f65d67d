package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, created_at, web_public_key, web_private_key, display_name, summary, avatar_url) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccount = `SELECT id, username, created_at, web_public_key, web_private_key,
		COALESCE(display_name, ''), COALESCE(summary, ''), COALESCE(avatar_url, ''), suspended FROM accounts`
	sqlUpdateAccountProfile = `UPDATE accounts SET display_name = ?, summary = ?, avatar_url = ? WHERE id = ?`

	sqlInsertNote = `INSERT INTO notes(id, user_id, message, created_at, visibility, in_reply_to_uri, sensitive, content_warning) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNote = `SELECT notes.id, notes.user_id, accounts.username, notes.message, notes.created_at, notes.edited_at,
		COALESCE(notes.visibility, 'public'), COALESCE(notes.in_reply_to_uri, ''), notes.sensitive, COALESCE(notes.content_warning, '')
		FROM notes INNER JOIN accounts ON accounts.id = notes.user_id`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(&acc.Id, &acc.Username, &acc.CreatedAt, &acc.WebPublicKey, &acc.WebPrivateKey,
		&acc.DisplayName, &acc.Summary, &acc.AvatarURL, &acc.Suspended)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func scanNote(row rowScanner) (*domain.Note, error) {
	var note domain.Note
	var editedAt sql.NullTime
	var visibility string
	err := row.Scan(&note.Id, &note.UserId, &note.CreatedBy, &note.Message, &note.CreatedAt, &editedAt,
		&visibility, &note.InReplyToURI, &note.Sensitive, &note.ContentWarning)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if editedAt.Valid {
		note.EditedAt = &editedAt.Time
	}
	note.Visibility = domain.Visibility(visibility)
	return &note, nil
}

// CreateAccount stores a new local account with a fresh key pair.
func (db *DB) CreateAccount(ctx context.Context, username string, keyPair *util.RsaKeyPair) (*domain.Account, error) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		CreatedAt:     time.Now().UTC(),
		WebPublicKey:  keyPair.Public,
		WebPrivateKey: keyPair.Private,
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertAccount, acc.Id, acc.Username, acc.CreatedAt,
			acc.WebPublicKey, acc.WebPrivateKey, "", "", "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccount+` WHERE username = ?`, username))
}

func (db *DB) ReadAccById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccount+` WHERE id = ?`, id))
}

// ReadActiveAccounts returns every account that is not suspended.
func (db *DB) ReadActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAccount+` WHERE suspended = 0 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (db *DB) UpdateAccountProfile(ctx context.Context, acc *domain.Account) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateAccountProfile, acc.DisplayName, acc.Summary, acc.AvatarURL, acc.Id)
		return err
	})
}

// CreateNote stores a note and fills in its id and creation time.
func (db *DB) CreateNote(ctx context.Context, note *domain.Note) error {
	if note.Id == uuid.Nil {
		note.Id = uuid.New()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	if note.Visibility == "" {
		note.Visibility = domain.VisibilityPublic
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertNote, note.Id, note.UserId, note.Message, note.CreatedAt,
			string(note.Visibility), note.InReplyToURI, note.Sensitive, note.ContentWarning)
		return err
	})
}

func (db *DB) ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNote+` WHERE notes.id = ?`, id))
}

// ReadPublicNotesByUserId pages through the notes an account's outbox lists:
// public and unlisted ones, newest first.
func (db *DB) ReadPublicNotesByUserId(ctx context.Context, userId uuid.UUID, limit, offset int) ([]domain.Note, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectNote+` WHERE notes.user_id = ? AND COALESCE(notes.visibility, 'public') IN ('public', 'home')
		ORDER BY notes.created_at DESC LIMIT ? OFFSET ?`, userId, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, *note)
	}
	return notes, rows.Err()
}

func (db *DB) CountPublicNotesByUserId(ctx context.Context, userId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE user_id = ? AND COALESCE(visibility, 'public') IN ('public', 'home')`, userId).Scan(&count)
	return count, err
}

func (db *DB) DeleteNote(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM likes WHERE note_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
		return err
	})
}
