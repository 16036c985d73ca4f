package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatrelay/internal/domain"
	"chatrelay/internal/store"
	"chatrelay/internal/util"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

var _ store.DispatchLog = (*Store)(nil)

const recordColumns = `id, event_id, target_platform, target_channel_id, status, attempt_count,
	COALESCE(error_message,''), latency_ms, claimed_until, created_at, updated_at`

// Claim inserts a pending record or takes over one whose lease has lapsed.
// The ON CONFLICT ... WHERE clause leaves terminal and leased rows untouched,
// in which case nothing is returned and the current row is read back.
func (s *Store) Claim(ctx context.Context, key domain.DispatchKey, now time.Time, lease time.Duration) (domain.DispatchRecord, bool, error) {
	until := now.Add(lease)
	row := s.DB.QueryRow(ctx, `
		INSERT INTO dispatch_records (id, event_id, target_platform, target_channel_id, status, attempt_count, claimed_until, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'pending',1,$5,$6,$6)
		ON CONFLICT (event_id, target_platform, target_channel_id)
		DO UPDATE SET attempt_count = dispatch_records.attempt_count + 1, claimed_until = $5, updated_at = $6
		WHERE dispatch_records.status = 'pending'
		  AND (dispatch_records.claimed_until IS NULL OR dispatch_records.claimed_until < $6)
		RETURNING `+recordColumns,
		util.NewRecordID(), key.EventID, key.TargetPlatform, key.TargetChannelID, until, now)

	rec, err := scanRecord(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
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
	_, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET status='success', error_message=NULL, latency_ms=$4, claimed_until=NULL, updated_at=$5
		WHERE event_id=$1 AND target_platform=$2 AND target_channel_id=$3 AND status='pending'
	`, key.EventID, key.TargetPlatform, key.TargetChannelID, latency.Milliseconds(), now)
	return err
}

func (s *Store) MarkPending(ctx context.Context, key domain.DispatchKey, errMsg string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET error_message=$4, claimed_until=NULL, updated_at=$5
		WHERE event_id=$1 AND target_platform=$2 AND target_channel_id=$3 AND status='pending'
	`, key.EventID, key.TargetPlatform, key.TargetChannelID, store.NullIfEmpty(errMsg), now)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, key domain.DispatchKey, errMsg string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET status='failed', error_message=$4, claimed_until=NULL, updated_at=$5
		WHERE event_id=$1 AND target_platform=$2 AND target_channel_id=$3 AND status='pending'
	`, key.EventID, key.TargetPlatform, key.TargetChannelID, store.NullIfEmpty(errMsg), now)
	return err
}

func (s *Store) Release(ctx context.Context, key domain.DispatchKey, errMsg string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET attempt_count=GREATEST(attempt_count-1, 0), error_message=COALESCE($4, error_message),
		    claimed_until=NULL, updated_at=$5
		WHERE event_id=$1 AND target_platform=$2 AND target_channel_id=$3 AND status='pending'
	`, key.EventID, key.TargetPlatform, key.TargetChannelID, store.NullIfEmpty(errMsg), now)
	return err
}

func (s *Store) Get(ctx context.Context, key domain.DispatchKey) (domain.DispatchRecord, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM dispatch_records
		WHERE event_id=$1 AND target_platform=$2 AND target_channel_id=$3
	`, key.EventID, key.TargetPlatform, key.TargetChannelID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DispatchRecord{}, false, nil
		}
		return domain.DispatchRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ListByEvent(ctx context.Context, eventID string) ([]domain.DispatchRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+recordColumns+`
		FROM dispatch_records WHERE event_id=$1
		ORDER BY target_platform, target_channel_id
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
	return s.DB.Ping(ctx)
}

func scanRecord(row pgx.Row) (domain.DispatchRecord, error) {
	var (
		rec    domain.DispatchRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.EventID, &rec.TargetPlatform, &rec.TargetChannelID, &status,
		&rec.AttemptCount, &rec.ErrorMessage, &rec.LatencyMs, &rec.ClaimedUntil, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.DispatchRecord{}, err
	}
	rec.Status = domain.DispatchStatus(status)
	return rec, nil
}
