package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Repository is the persistence contract for call history.
//
// Implementations must tolerate being called from a single background
// worker; they do not need to be safe for concurrent mutation of the same
// call_id.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	UpdateStatus(ctx context.Context, u StatusUpdate) error
	List(ctx context.Context, f Filters) ([]Record, error)
	Get(ctx context.Context, callID string) (Record, bool, error)
}

// PostgresRepo stores call history in the call_logs table (schema in
// models.go).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Insert(ctx context.Context, rec Record) error {
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("history: marshal actions: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO call_logs (call_id, customer_name, ani, call_type, sbc_type, start_time, status, actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.CallID,
		rec.ParticipantName,
		rec.ParticipantAddress,
		rec.MediaKind,
		rec.ProviderID,
		rec.StartTime,
		rec.Status,
		actions,
	)
	if err != nil {
		return fmt.Errorf("history: insert call_log: %w", err)
	}
	return nil
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	entry, err := json.Marshal(u.Entry)
	if err != nil {
		return fmt.Errorf("history: marshal action: %w", err)
	}

	// end_time and duration are written at most once; COALESCE keeps the
	// first terminal values if a late event slips through.
	res, err := r.db.ExecContext(ctx, `
		UPDATE call_logs
		SET status   = $2,
		    actions  = COALESCE(actions, '[]'::jsonb) || $3::jsonb,
		    end_time = COALESCE(end_time, $4),
		    duration = COALESCE(duration, $5)
		WHERE call_id = $1`,
		u.CallID,
		u.Status,
		entry,
		u.EndTime,
		u.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("history: update call_log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("history: unknown call_id %q", u.CallID)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, f Filters) ([]Record, error) {
	q := `SELECT call_id, customer_name, ani, call_type, sbc_type, start_time, end_time, duration, status, actions
	      FROM call_logs`
	var conds []string
	var args []any

	if f.ParticipantName != "" {
		args = append(args, "%"+f.ParticipantName+"%")
		conds = append(conds, fmt.Sprintf("customer_name ILIKE $%d", len(args)))
	}
	if f.ParticipantAddress != "" {
		args = append(args, "%"+f.ParticipantAddress+"%")
		conds = append(conds, fmt.Sprintf("ani LIKE $%d", len(args)))
	}
	if !f.StartDate.IsZero() {
		args = append(args, f.StartDate)
		conds = append(conds, fmt.Sprintf("start_time >= $%d", len(args)))
	}
	if !f.EndDate.IsZero() {
		args = append(args, f.EndDate)
		conds = append(conds, fmt.Sprintf("start_time <= $%d", len(args)))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY start_time DESC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list call_logs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, callID string) (Record, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT call_id, customer_name, ani, call_type, sbc_type, start_time, end_time, duration, status, actions
		FROM call_logs WHERE call_id = $1`, callID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var endTime sql.NullTime
	var duration sql.NullInt64
	var actions []byte

	err := row.Scan(
		&rec.CallID,
		&rec.ParticipantName,
		&rec.ParticipantAddress,
		&rec.MediaKind,
		&rec.ProviderID,
		&rec.StartTime,
		&endTime,
		&duration,
		&rec.Status,
		&actions,
	)
	if err != nil {
		return Record{}, err
	}
	if endTime.Valid {
		t := endTime.Time
		rec.EndTime = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		rec.DurationSeconds = &d
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &rec.Actions); err != nil {
			return Record{}, fmt.Errorf("history: decode actions: %w", err)
		}
	}
	return rec, nil
}
