// Package statedb wraps the embedded sqlite database that tracks which
// productinstances have already been loaded, which ones are still pending,
// and the most recent data instance processed per (model, type) pair. It
// is the only state that survives a daemon restart.
package statedb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/metno/syncer/internal/timeutil"
)

//go:embed schemas/*.sql
var schemaFiles embed.FS

var migrationName = regexp.MustCompile(`^(\d+)_.*\.sql$`)

// Event names recorded by Reporter against last_data, kept here because
// they describe the shape of the type column rather than any metric
// implementation detail.
const (
	EventDataAvailable = "data available"
	EventWDBOK         = "data wdb ok"
	EventWDB2TSOK      = "data wdb2ts ok"
	EventDone          = "data ok"
)

// DB is the state database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (and creates, if missing) the sqlite file at path and applies
// every pending embedded migration.
func Open(path string) (*DB, error) {
	connStr := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", path, err)
	}
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping state database %s: %w", path, err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate applies every embedded migration file whose numeric prefix is
// greater than the version already recorded, in a single transaction.
// Re-running migrate against an up-to-date database is a no-op.
func (db *DB) migrate() error {
	if _, err := db.conn.Exec(`create table if not exists version (
		version int primary key,
		applied_at timestamp not null default current_timestamp
	)`); err != nil {
		return fmt.Errorf("failed to create version table: %w", err)
	}

	var current int
	row := db.conn.QueryRow("select coalesce(max(version), 0) from version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		return fmt.Errorf("failed to list embedded schemas: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	return withTransaction(db.conn, func(tx *sql.Tx) error {
		for _, entry := range entries {
			m := migrationName.FindStringSubmatch(entry.Name())
			if m == nil {
				continue
			}
			version, err := strconv.Atoi(m[1])
			if err != nil || version <= current {
				continue
			}
			content, err := schemaFiles.ReadFile("schemas/" + entry.Name())
			if err != nil {
				return fmt.Errorf("failed to read embedded schema %s: %w", entry.Name(), err)
			}
			if _, err := tx.Exec(string(content)); err != nil {
				return fmt.Errorf("failed to apply migration %s: %w", entry.Name(), err)
			}
			if _, err := tx.Exec("insert into version (version) values (?)", version); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", entry.Name(), err)
			}
		}
		return nil
	})
}

// withTransaction runs fn inside a serializable transaction, rolling back
// on error or panic and committing otherwise.
func withTransaction(conn *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := conn.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in state database transaction: %v", p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsLoaded reports whether productinstanceID has already been recorded as
// loaded.
func (db *DB) IsLoaded(ctx context.Context, productinstanceID string) (bool, error) {
	row := db.conn.QueryRowContext(ctx, "select 1 from loaded_data where productinstance = ?", productinstanceID)
	var dummy int
	switch err := row.Scan(&dummy); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("failed to check loaded state for %s: %w", productinstanceID, err)
	}
}

// SetLoaded records productinstanceID as loaded and prunes entries older
// than a day so the table does not grow without bound.
func (db *DB) SetLoaded(ctx context.Context, productinstanceID string) error {
	return withTransaction(db.conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "insert into loaded_data (productinstance) values (?)", productinstanceID); err != nil {
			return fmt.Errorf("failed to record %s as loaded: %w", productinstanceID, err)
		}
		if _, err := tx.ExecContext(ctx, "delete from loaded_data where load_time < datetime('now', '-1 day')"); err != nil {
			return fmt.Errorf("failed to prune loaded_data: %w", err)
		}
		return nil
	})
}

// AddProductInstanceToBeProcessed queues a productinstance for loading. When
// evenIfPreviouslyLoaded is set, any prior loaded_data entry for it is
// cleared first so the loader will process it again.
func (db *DB) AddProductInstanceToBeProcessed(ctx context.Context, productID, productinstanceID string, referenceTime time.Time, version int, force, evenIfPreviouslyLoaded bool) error {
	return withTransaction(db.conn, func(tx *sql.Tx) error {
		if evenIfPreviouslyLoaded {
			if _, err := tx.ExecContext(ctx, "delete from loaded_data where productinstance = ?", productinstanceID); err != nil {
				return fmt.Errorf("failed to clear loaded state for %s: %w", productinstanceID, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			"insert into pending_jobs (product_id, reference_time, version, productinstance_id, force) values (?, ?, ?, ?, ?)",
			productID, timeutil.FormatISO8601(referenceTime), version, productinstanceID, force)
		if err != nil {
			return fmt.Errorf("failed to queue %s for product %s: %w", productinstanceID, productID, err)
		}
		return nil
	})
}

// PendingProductInstances returns, for every product with at least one
// queued job, the single productinstance id with the greatest
// (reference_time, version), paired with the logical OR of the force flag
// across every queued row for that product (not only the winning row).
func (db *DB) PendingProductInstances(ctx context.Context) (map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `
		with latest_reference as (
			select product_id, max(reference_time) as max_reference_time
			from pending_jobs
			group by product_id
		),
		latest as (
			select p.product_id, max(p.version) as max_version
			from pending_jobs p
			join latest_reference l
				on l.product_id = p.product_id and l.max_reference_time = p.reference_time
			group by p.product_id
		),
		winners as (
			select distinct p.product_id, p.productinstance_id
			from pending_jobs p
			join latest_reference l
				on l.product_id = p.product_id and l.max_reference_time = p.reference_time
			join latest lv
				on lv.product_id = p.product_id and lv.max_version = p.version
		),
		forced as (
			select product_id, max(force) as any_force
			from pending_jobs
			group by product_id
		)
		select w.productinstance_id, f.any_force
		from winners w
		join forced f on f.product_id = w.product_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending productinstances: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var pid string
		var force bool
		if err := rows.Scan(&pid, &force); err != nil {
			return nil, fmt.Errorf("failed to scan pending productinstance row: %w", err)
		}
		out[pid] = out[pid] || force
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending productinstances: %w", err)
	}
	return out, nil
}

// Done clears every pending job queued for productID, called once its
// latest productinstance has finished loading.
func (db *DB) Done(ctx context.Context, productID string) error {
	if _, err := db.conn.ExecContext(ctx, "delete from pending_jobs where product_id = ?", productID); err != nil {
		return fmt.Errorf("failed to clear pending jobs for product %s: %w", productID, err)
	}
	return nil
}

// LastIncoming is the most recently processed data instance for a
// (model, type) pair.
type LastIncoming struct {
	DataInstanceID string
	ReferenceTime  time.Time
	TimeDone       time.Time
}

// SetLastIncoming records the most recently handled data instance for a
// (model, type) pair, overwriting any previous entry.
func (db *DB) SetLastIncoming(ctx context.Context, model, dataType, dataInstanceID string, referenceTime time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"insert or replace into last_data (model, type, datainstanceid, reference_time) values (?, ?, ?, ?)",
		model, dataType, dataInstanceID, timeutil.FormatISO8601(referenceTime))
	if err != nil {
		return fmt.Errorf("failed to record last incoming for %s/%s: %w", model, dataType, err)
	}
	return nil
}

// GetLastIncoming returns the most recently recorded data instance for a
// (model, type) pair, or found=false if none has been recorded yet.
func (db *DB) GetLastIncoming(ctx context.Context, model, dataType string) (last LastIncoming, found bool, err error) {
	row := db.conn.QueryRowContext(ctx,
		"select datainstanceid, reference_time, time_done from last_data where model = ? and type = ?",
		model, dataType)

	var referenceTime, timeDone string
	switch scanErr := row.Scan(&last.DataInstanceID, &referenceTime, &timeDone); scanErr {
	case nil:
	case sql.ErrNoRows:
		return LastIncoming{}, false, nil
	default:
		return LastIncoming{}, false, fmt.Errorf("failed to read last incoming for %s/%s: %w", model, dataType, scanErr)
	}

	last.ReferenceTime, err = parseSQLiteTimestamp(referenceTime)
	if err != nil {
		return LastIncoming{}, false, err
	}
	last.TimeDone, err = parseSQLiteTimestamp(timeDone)
	if err != nil {
		return LastIncoming{}, false, err
	}
	return last, true, nil
}

// parseSQLiteTimestamp accepts either the ISO8601 layout used by
// SetLastIncoming/AddProductInstanceToBeProcessed or sqlite's own
// "YYYY-MM-DD HH:MM:SS" default_timestamp layout used for time_done.
func parseSQLiteTimestamp(s string) (time.Time, error) {
	if t, err := timeutil.ParseISO8601(s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
