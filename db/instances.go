package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

const sqlSelectInstance = `SELECT host, is_suspended, latest_status, last_communicated_at, is_not_responding,
	COALESCE(software_name, ''), COALESCE(software_version, ''), info_updated_at FROM instances`

func scanInstance(row rowScanner) (*domain.Instance, error) {
	var inst domain.Instance
	var last, infoUpdated sql.NullInt64
	err := row.Scan(&inst.Host, &inst.IsSuspended, &inst.LatestStatus, &last, &inst.IsNotResponding,
		&inst.SoftwareName, &inst.SoftwareVersion, &infoUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	inst.LastCommunicatedAt = unixOrZero(last)
	if infoUpdated.Valid {
		t := unixOrZero(infoUpdated)
		inst.InfoUpdatedAt = &t
	}
	return &inst, nil
}

func (db *DB) ReadInstance(ctx context.Context, host string) (*domain.Instance, error) {
	return scanInstance(db.db.QueryRowContext(ctx, sqlSelectInstance+` WHERE host = ?`, host))
}

// ReadInstances loads the known hosts among the given ones in a single query.
func (db *DB) ReadInstances(ctx context.Context, hosts []string) ([]domain.Instance, error) {
	if len(hosts) == 0 {
		return nil, nil
	}
	args := make([]any, len(hosts))
	for i, h := range hosts {
		args[i] = h
	}
	rows, err := db.db.QueryContext(ctx, sqlSelectInstance+` WHERE host IN (`+placeholders(len(hosts))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// RecordInstanceContact notes that a host talked to us. The stored time only
// moves forward, so concurrent reports commute.
func (db *DB) RecordInstanceContact(ctx context.Context, host string, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO instances(host, last_communicated_at, is_not_responding) VALUES (?, ?, 0)
			ON CONFLICT(host) DO UPDATE SET last_communicated_at = max(last_communicated_at, excluded.last_communicated_at),
			is_not_responding = 0`, host, at.Unix())
		return err
	})
}

// RecordDeliveryResult stores the outcome of a delivery to host. Status 0
// means no HTTP response was received.
func (db *DB) RecordDeliveryResult(ctx context.Context, host string, status int, ok bool, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if ok {
			_, err := tx.ExecContext(ctx, `INSERT INTO instances(host, latest_status, last_communicated_at, is_not_responding) VALUES (?, ?, ?, 0)
				ON CONFLICT(host) DO UPDATE SET latest_status = excluded.latest_status,
				last_communicated_at = max(last_communicated_at, excluded.last_communicated_at), is_not_responding = 0`,
				host, status, at.Unix())
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO instances(host, latest_status, is_not_responding) VALUES (?, ?, 1)
			ON CONFLICT(host) DO UPDATE SET latest_status = excluded.latest_status, is_not_responding = 1`,
			host, status)
		return err
	})
}

func (db *DB) SetInstanceSuspended(ctx context.Context, host string, suspended bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO instances(host, is_suspended) VALUES (?, ?)
			ON CONFLICT(host) DO UPDATE SET is_suspended = excluded.is_suspended`, host, suspended)
		return err
	})
}

// UpdateInstanceInfo stores software metadata discovered through nodeinfo.
func (db *DB) UpdateInstanceInfo(ctx context.Context, host, name, version string, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO instances(host, software_name, software_version, info_updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(host) DO UPDATE SET software_name = excluded.software_name,
			software_version = excluded.software_version, info_updated_at = excluded.info_updated_at`,
			host, name, version, at.Unix())
		return err
	})
}

// ReadSuspendedHosts lists hosts an administrator suspended.
func (db *DB) ReadSuspendedHosts(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT host FROM instances WHERE is_suspended = 1 ORDER BY host`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}
