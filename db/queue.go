package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, account_id, inbox_uri, activity_json, attempts, max_attempts, timeout_ms, deletion_id, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDelivery = `SELECT id, account_id, inbox_uri, activity_json, attempts, max_attempts, timeout_ms, deletion_id, next_retry_at, created_at FROM delivery_queue`

	sqlInsertInboxJob = `INSERT INTO inbox_queue(id, signature_json, activity_json, attempts, max_attempts, timeout_ms, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectInboxJob = `SELECT id, signature_json, activity_json, attempts, max_attempts, timeout_ms, next_retry_at, created_at FROM inbox_queue`
)

func prepareDelivery(item *domain.DeliveryQueueItem, now time.Time) {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
}

func insertDelivery(ctx context.Context, tx *sql.Tx, item *domain.DeliveryQueueItem) error {
	var deletionId any
	if item.DeletionId != nil {
		deletionId = *item.DeletionId
	}
	_, err := tx.ExecContext(ctx, sqlInsertDelivery, item.Id, item.AccountId, item.InboxURI, item.ActivityJSON,
		item.Attempts, item.MaxAttempts, item.Timeout.Milliseconds(), deletionId, item.NextRetryAt.UnixMilli(), item.CreatedAt)
	return err
}

func scanDelivery(row rowScanner) (*domain.DeliveryQueueItem, error) {
	var item domain.DeliveryQueueItem
	var timeoutMs, nextRetry int64
	var deletionId uuid.NullUUID
	err := row.Scan(&item.Id, &item.AccountId, &item.InboxURI, &item.ActivityJSON, &item.Attempts,
		&item.MaxAttempts, &timeoutMs, &deletionId, &nextRetry, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.Timeout = time.Duration(timeoutMs) * time.Millisecond
	item.NextRetryAt = time.UnixMilli(nextRetry).UTC()
	if deletionId.Valid {
		id := deletionId.UUID
		item.DeletionId = &id
	}
	return &item, nil
}

func scanInboxJob(row rowScanner) (*domain.InboxQueueItem, error) {
	var item domain.InboxQueueItem
	var timeoutMs, nextRetry int64
	err := row.Scan(&item.Id, &item.SignatureJSON, &item.ActivityJSON, &item.Attempts, &item.MaxAttempts,
		&timeoutMs, &nextRetry, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.Timeout = time.Duration(timeoutMs) * time.Millisecond
	item.NextRetryAt = time.UnixMilli(nextRetry).UTC()
	return &item, nil
}

// EnqueueDeliveries stores delivery jobs atomically.
func (db *DB) EnqueueDeliveries(ctx context.Context, items []*domain.DeliveryQueueItem) error {
	now := time.Now().UTC()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			prepareDelivery(item, now)
			if err := insertDelivery(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// claim selects due rows from table and pushes their next_retry_at to
// leaseUntil, so no other worker picks them up while they run.
func (db *DB) claim(ctx context.Context, table, selectSQL string, now, leaseUntil time.Time, limit int, scan func(rowScanner) (uuid.UUID, error)) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, selectSQL+` WHERE next_retry_at <= ? ORDER BY next_retry_at LIMIT ?`, now.UnixMilli(), limit)
		if err != nil {
			return err
		}
		var ids []any
		for rows.Next() {
			id, err := scan(rows)
			if err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		args := append([]any{leaseUntil.UnixMilli()}, ids...)
		_, err = tx.ExecContext(ctx, `UPDATE `+table+` SET next_retry_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
		return err
	})
}

// ClaimDeliveries leases up to limit due delivery jobs.
func (db *DB) ClaimDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	var items []domain.DeliveryQueueItem
	err := db.claim(ctx, "delivery_queue", sqlSelectDelivery, now, leaseUntil, limit, func(row rowScanner) (uuid.UUID, error) {
		item, err := scanDelivery(row)
		if err != nil {
			return uuid.Nil, err
		}
		items = append(items, *item)
		return item.Id, nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// RescheduleDelivery records a failed attempt.
func (db *DB) RescheduleDelivery(ctx context.Context, id uuid.UUID, attempts int, next time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`, attempts, next.UnixMilli(), id)
		return err
	})
}

// CompleteDelivery removes a finished job, successful or abandoned. When the
// job belongs to an account deletion the pending count is decremented, and
// the account is purged once nothing is left. It reports whether this call
// finished the deletion.
func (db *DB) CompleteDelivery(ctx context.Context, id uuid.UUID, deletionId *uuid.UUID) (bool, error) {
	var finished bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM delivery_queue WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 || deletionId == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE deletions SET pending = pending - 1 WHERE id = ? AND pending > 0`, *deletionId); err != nil {
			return err
		}
		var pending int
		var accountId uuid.UUID
		var doneAt sql.NullTime
		err = tx.QueryRowContext(ctx, `SELECT pending, account_id, done_at FROM deletions WHERE id = ?`, *deletionId).
			Scan(&pending, &accountId, &doneAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if pending == 0 && !doneAt.Valid {
			finished = true
			return finishDeletion(ctx, tx, *deletionId, accountId)
		}
		return nil
	})
	return finished, err
}

// StartAccountDeletion suspends an account and queues its Delete activities
// under a new deletion record. With no jobs the account is purged at once.
func (db *DB) StartAccountDeletion(ctx context.Context, accountId uuid.UUID, items []*domain.DeliveryQueueItem) (*domain.Deletion, error) {
	now := time.Now().UTC()
	deletion := &domain.Deletion{Id: uuid.New(), AccountId: accountId, Pending: len(items), CreatedAt: now}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET suspended = 1 WHERE id = ?`, accountId); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO deletions(id, account_id, pending, created_at) VALUES (?, ?, ?, ?)`,
			deletion.Id, accountId, deletion.Pending, now); err != nil {
			return err
		}
		for _, item := range items {
			prepareDelivery(item, now)
			item.DeletionId = &deletion.Id
			if err := insertDelivery(ctx, tx, item); err != nil {
				return err
			}
		}
		if len(items) == 0 {
			deletion.DoneAt = &now
			return finishDeletion(ctx, tx, deletion.Id, accountId)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deletion, nil
}

func finishDeletion(ctx context.Context, tx *sql.Tx, deletionId, accountId uuid.UUID) error {
	stmts := []string{
		`DELETE FROM likes WHERE note_id IN (SELECT id FROM notes WHERE user_id = ?)`,
		`DELETE FROM notes WHERE user_id = ?`,
		`DELETE FROM follows WHERE ? IN (account_id, target_account_id)`,
		`DELETE FROM blocks WHERE ? IN (account_id, target_account_id)`,
		`DELETE FROM accounts WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, accountId); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `UPDATE deletions SET done_at = ? WHERE id = ?`, time.Now().UTC(), deletionId)
	return err
}

func (db *DB) ReadDeletion(ctx context.Context, id uuid.UUID) (*domain.Deletion, error) {
	var d domain.Deletion
	var doneAt sql.NullTime
	err := db.db.QueryRowContext(ctx, `SELECT id, account_id, pending, created_at, done_at FROM deletions WHERE id = ?`, id).
		Scan(&d.Id, &d.AccountId, &d.Pending, &d.CreatedAt, &doneAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if doneAt.Valid {
		d.DoneAt = &doneAt.Time
	}
	return &d, nil
}

func (db *DB) EnqueueInboxJob(ctx context.Context, item *domain.InboxQueueItem) error {
	now := time.Now().UTC()
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertInboxJob, item.Id, item.SignatureJSON, item.ActivityJSON, item.Attempts,
			item.MaxAttempts, item.Timeout.Milliseconds(), item.NextRetryAt.UnixMilli(), item.CreatedAt)
		return err
	})
}

// ClaimInboxJobs leases up to limit due inbox jobs.
func (db *DB) ClaimInboxJobs(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.InboxQueueItem, error) {
	var items []domain.InboxQueueItem
	err := db.claim(ctx, "inbox_queue", sqlSelectInboxJob, now, leaseUntil, limit, func(row rowScanner) (uuid.UUID, error) {
		item, err := scanInboxJob(row)
		if err != nil {
			return uuid.Nil, err
		}
		items = append(items, *item)
		return item.Id, nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (db *DB) RescheduleInboxJob(ctx context.Context, id uuid.UUID, attempts int, next time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE inbox_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`, attempts, next.UnixMilli(), id)
		return err
	})
}

func (db *DB) DeleteInboxJob(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM inbox_queue WHERE id = ?`, id)
		return err
	})
}

// QueueDepths returns the number of waiting delivery and inbox jobs.
func (db *DB) QueueDepths(ctx context.Context) (deliveries, inbox int, err error) {
	if err = db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_queue`).Scan(&deliveries); err != nil {
		return 0, 0, err
	}
	err = db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox_queue`).Scan(&inbox)
	return deliveries, inbox, err
}
