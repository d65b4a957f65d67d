package db

import (
	"context"
	"database/sql"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		display_name TEXT,
		summary TEXT,
		avatar_url TEXT,
		suspended INTEGER DEFAULT 0
	)`

	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP,
		visibility TEXT DEFAULT 'public',
		in_reply_to_uri TEXT,
		sensitive INTEGER DEFAULT 0,
		content_warning TEXT
	)`

	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
		CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes(created_at DESC);
	`

	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		actor_type TEXT,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		outbox_uri TEXT,
		followers_uri TEXT,
		featured_uri TEXT,
		public_key_id TEXT,
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT,
		banner_url TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_key_id ON remote_accounts(public_key_id);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_shared_inbox ON remote_accounts(shared_inbox_uri);
	`

	sqlCreateRemoteNotesTable = `CREATE TABLE IF NOT EXISTS remote_notes (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		remote_account_id TEXT NOT NULL,
		author_uri TEXT NOT NULL,
		content TEXT,
		summary TEXT,
		sensitive INTEGER DEFAULT 0,
		in_reply_to_uri TEXT,
		quote_uri TEXT,
		visibility TEXT DEFAULT 'public',
		published_at TIMESTAMP,
		updated_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_notes_account ON remote_notes(remote_account_id);
	`

	sqlCreateRemotePinsTable = `CREATE TABLE IF NOT EXISTS remote_pins (
		remote_account_id TEXT NOT NULL,
		remote_note_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (remote_account_id, remote_note_id)
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		accepted INTEGER DEFAULT 0,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		reaction TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id)
	)`

	sqlCreateLikesIndices = `
		CREATE INDEX IF NOT EXISTS idx_likes_note_id ON likes(note_id);
		CREATE INDEX IF NOT EXISTS idx_likes_uri ON likes(uri);
	`

	sqlCreateAnnouncesTable = `CREATE TABLE IF NOT EXISTS announces (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		uri TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateBlocksTable = `CREATE TABLE IF NOT EXISTS blocks (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateReportsTable = `CREATE TABLE IF NOT EXISTS reports (
		id TEXT NOT NULL PRIMARY KEY,
		reporter_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT UNIQUE NOT NULL,
		comment TEXT,
		object_uris TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Timestamps compared in SQL are stored as unix seconds (instances) or
	// unix milliseconds (queues).
	sqlCreateInstancesTable = `CREATE TABLE IF NOT EXISTS instances (
		host TEXT NOT NULL PRIMARY KEY,
		is_suspended INTEGER DEFAULT 0,
		latest_status INTEGER DEFAULT 0,
		last_communicated_at INTEGER DEFAULT 0,
		is_not_responding INTEGER DEFAULT 0,
		software_name TEXT,
		software_version TEXT,
		info_updated_at INTEGER
	)`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		timeout_ms INTEGER NOT NULL,
		deletion_id TEXT,
		next_retry_at INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateInboxQueueTable = `CREATE TABLE IF NOT EXISTS inbox_queue (
		id TEXT NOT NULL PRIMARY KEY,
		signature_json TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		timeout_ms INTEGER NOT NULL,
		next_retry_at INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_deletion ON delivery_queue(deletion_id);
		CREATE INDEX IF NOT EXISTS idx_inbox_queue_next_retry ON inbox_queue(next_retry_at);
	`

	sqlCreateDeletionsTable = `CREATE TABLE IF NOT EXISTS deletions (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		pending INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		done_at TIMESTAMP
	)`
)

type migration struct {
	table   string
	create  string
	indices string
}

var migrations = []migration{
	{"accounts", sqlCreateAccountsTable, ""},
	{"notes", sqlCreateNotesTable, sqlCreateNotesIndices},
	{"remote_accounts", sqlCreateRemoteAccountsTable, sqlCreateRemoteAccountsIndices},
	{"remote_notes", sqlCreateRemoteNotesTable, sqlCreateRemoteNotesIndices},
	{"remote_pins", sqlCreateRemotePinsTable, ""},
	{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
	{"likes", sqlCreateLikesTable, sqlCreateLikesIndices},
	{"announces", sqlCreateAnnouncesTable, ""},
	{"blocks", sqlCreateBlocksTable, ""},
	{"reports", sqlCreateReportsTable, ""},
	{"instances", sqlCreateInstancesTable, ""},
	{"delivery_queue", sqlCreateDeliveryQueueTable, ""},
	{"inbox_queue", sqlCreateInboxQueueTable, sqlCreateQueueIndices},
	{"deletions", sqlCreateDeletionsTable, ""},
}

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range migrations {
			if err := db.createTableIfNotExists(tx, m.create, m.table); err != nil {
				return err
			}
		}
		for _, m := range migrations {
			if m.indices == "" {
				continue
			}
			if _, err := tx.Exec(m.indices); err != nil {
				db.logger.Warn("Failed to create indices", "table", m.table, "err", err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		db.logger.Error("Error creating table", "table", tableName, "err", err)
		return err
	}
	db.logger.Debug("Table created or already exists", "table", tableName)
	return nil
}
