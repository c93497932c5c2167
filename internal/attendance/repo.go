package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"faceattend/internal/store"
)

// Record is one user's attendance for one calendar date.
type Record struct {
	UserID    string  `json:"user_id"`
	Name      string  `json:"name,omitempty"`
	Date      string  `json:"date"`
	DayOfWeek string  `json:"day_of_week"`
	InTime    string  `json:"in_time"`
	OutTime   *string `json:"out_time"`
	Duration  *string `json:"duration"`
}

// Filter narrows ListRecords. A non-positive Limit returns every row.
type Filter struct {
	UserID string
	Date   string
	Limit  int
	Offset int
}

// Repository persists attendance records.
type Repository struct {
	db *store.DB
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db}
}

// GetRecord returns the record for (user, date), or nil when there is none.
func (r *Repository) GetRecord(ctx context.Context, userID, date string) (*Record, error) {
	row := r.db.Client.QueryRowContext(ctx, r.db.Rebind(`
		SELECT user_id, date, day_of_week, in_time, out_time, duration
		FROM attendance WHERE user_id = ? AND date = ?
	`), userID, date)
	var rec Record
	if err := row.Scan(&rec.UserID, &rec.Date, &rec.DayOfWeek, &rec.InTime, &rec.OutTime, &rec.Duration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attendance record: %w", err)
	}
	return &rec, nil
}

// InsertIn creates the day's record with an in-time. It reports false, and
// writes nothing, when a record for (user, date) already exists or the user is
// not registered.
func (r *Repository) InsertIn(ctx context.Context, userID, date, dayOfWeek, inTime string) (bool, error) {
	res, err := r.db.Client.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO attendance (user_id, date, day_of_week, in_time)
		SELECT ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM users WHERE user_id = ?)
		ON CONFLICT (user_id, date) DO NOTHING
	`), userID, date, dayOfWeek, inTime, userID)
	if err != nil {
		return false, fmt.Errorf("insert in-time: %w", err)
	}
	return affected(res)
}

// UserExists reports whether userID is registered.
func (r *Repository) UserExists(ctx context.Context, userID string) (bool, error) {
	var one int
	err := r.db.Client.QueryRowContext(ctx, r.db.Rebind(`SELECT 1 FROM users WHERE user_id = ?`), userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up user: %w", err)
	}
	return true, nil
}

// SetOut records the out-time and duration. It reports false when the record
// is missing or already has an out-time.
func (r *Repository) SetOut(ctx context.Context, userID, date, outTime, duration string) (bool, error) {
	res, err := r.db.Client.ExecContext(ctx, r.db.Rebind(`
		UPDATE attendance SET out_time = ?, duration = ?
		WHERE user_id = ? AND date = ? AND out_time IS NULL
	`), outTime, duration, userID, date)
	if err != nil {
		return false, fmt.Errorf("set out-time: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListRecords returns records joined with the user's name, most recent date
// and in-time first.
func (r *Repository) ListRecords(ctx context.Context, f Filter) ([]Record, error) {
	query := `
		SELECT a.user_id, u.name, a.date, a.day_of_week, a.in_time, a.out_time, a.duration
		FROM attendance a
		JOIN users u ON u.user_id = a.user_id`
	var (
		clauses []string
		args    []any
	)
	if f.UserID != "" {
		clauses = append(clauses, "a.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Date != "" {
		clauses = append(clauses, "a.date = ?")
		args = append(args, f.Date)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY a.date DESC, a.in_time DESC, a.user_id"
	if f.Limit > 0 {
		if f.Offset < 0 {
			f.Offset = 0
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.Client.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.UserID, &rec.Name, &rec.Date, &rec.DayOfWeek, &rec.InTime, &rec.OutTime, &rec.Duration); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DeleteForUserTx removes every record of a user inside tx.
func (r *Repository) DeleteForUserTx(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM attendance WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("delete attendance: %w", err)
	}
	return nil
}
