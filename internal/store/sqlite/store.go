// Package sqlite is a single-node dispatch log. Timestamps are stored as
// unix milliseconds so lease comparisons are numeric.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/domain"
	"chatrelay/internal/store"
	"chatrelay/internal/util"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

var _ store.DispatchLog = (*Store)(nil)

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps an in-memory database alive on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		_, _ = db.ExecContext(ctx, pragma)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = `id, event_id, target_platform, target_channel_id, status, attempt_count,
	COALESCE(error_message,''), latency_ms, claimed_until, created_at, updated_at`

func (s *Store) Claim(ctx context.Context, key domain.DispatchKey, now time.Time, lease time.Duration) (domain.DispatchRecord, bool, error) {
	nowMs, until := now.UnixMilli(), now.Add(lease).UnixMilli()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO dispatch_records (id, event_id, target_platform, target_channel_id, status, attempt_count, claimed_until, created_at, updated_at)
		VALUES (?,?,?,?,'pending',1,?,?,?)
		ON CONFLICT (event_id, target_platform, target_channel_id)
		DO UPDATE SET attempt_count = dispatch_records.attempt_count + 1, claimed_until = excluded.claimed_until, updated_at = excluded.updated_at
		WHERE dispatch_records.status = 'pending'
		  AND (dispatch_records.claimed_until IS NULL OR dispatch_records.claimed_until < excluded.updated_at)
		RETURNING `+recordColumns,
		util.NewRecordID(), key.EventID, key.TargetPlatform, key.TargetChannelID, until, nowMs, nowMs)

	rec, err := scanRecord(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.DispatchRecord{}, false, err
	}
	rec, found, err := s.Get(ctx, key)
	if err != nil {
		return domain.DispatchRecord{}, false, err
	}
	if !found {
		return domain.DispatchRecord{}, false, errors.New("dispatch record vanished during claim")
	}
	return rec, false, nil
}

func (s *Store) MarkSuccess(ctx context.Context, key domain.DispatchKey, latency time.Duration, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_records
		SET status='success', error_message=NULL, latency_ms=?, claimed_until=NULL, updated_at=?
		WHERE event_id=? AND target_platform=? AND target_channel_id=? AND status='pending'
	`, latency.Milliseconds(), now.UnixMilli(), key.EventID, key.TargetPlatform, key.TargetChannelID)
	return err
}

func (s *Store) MarkPending(ctx context.Context, key domain.DispatchKey, errMsg string, now time.Time) error {
	return s.settle(ctx, key, "pending", errMsg, now)
}

func (s *Store) MarkFailed(ctx context.Context, key domain.DispatchKey, errMsg string, now time.Time) error {
	return s.settle(ctx, key, "failed", errMsg, now)
}

func (s *Store) settle(ctx context.Context, key domain.DispatchKey, status, errMsg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_records
		SET status=?, error_message=?, claimed_until=NULL, updated_at=?
		WHERE event_id=? AND target_platform=? AND target_channel_id=? AND status='pending'
	`, status, store.NullIfEmpty(errMsg), now.UnixMilli(), key.EventID, key.TargetPlatform, key.TargetChannelID)
	return err
}

func (s *Store) Release(ctx context.Context, key domain.DispatchKey, errMsg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_records
		SET attempt_count=MAX(attempt_count-1, 0), error_message=COALESCE(?, error_message),
		    claimed_until=NULL, updated_at=?
		WHERE event_id=? AND target_platform=? AND target_channel_id=? AND status='pending'
	`, store.NullIfEmpty(errMsg), now.UnixMilli(), key.EventID, key.TargetPlatform, key.TargetChannelID)
	return err
}

func (s *Store) Get(ctx context.Context, key domain.DispatchKey) (domain.DispatchRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM dispatch_records
		WHERE event_id=? AND target_platform=? AND target_channel_id=?
	`, key.EventID, key.TargetPlatform, key.TargetChannelID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DispatchRecord{}, false, nil
	}
	if err != nil {
		return domain.DispatchRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ListByEvent(ctx context.Context, eventID string) ([]domain.DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM dispatch_records
		WHERE event_id=? ORDER BY target_platform, target_channel_id
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DispatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.DispatchRecord, error) {
	var (
		rec                  domain.DispatchRecord
		status               string
		latency, claimed     sql.NullInt64
		createdMs, updatedMs int64
	)
	err := row.Scan(&rec.ID, &rec.EventID, &rec.TargetPlatform, &rec.TargetChannelID, &status,
		&rec.AttemptCount, &rec.ErrorMessage, &latency, &claimed, &createdMs, &updatedMs)
	if err != nil {
		return domain.DispatchRecord{}, err
	}
	rec.Status = domain.DispatchStatus(status)
	if latency.Valid {
		v := latency.Int64
		rec.LatencyMs = &v
	}
	if claimed.Valid {
		v := time.UnixMilli(claimed.Int64).UTC()
		rec.ClaimedUntil = &v
	}
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return rec, nil
}
