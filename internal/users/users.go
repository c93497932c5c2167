// Package users manages the registry of people the service can recognize.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"faceattend/internal/attendance"
	"faceattend/internal/samples"
	"faceattend/internal/store"
)

// RegisteredLayout formats registration timestamps.
const RegisteredLayout = "2006-01-02 15:04:05"

var (
	ErrDuplicateUser = errors.New("identifier already exists")
	ErrNotFound      = errors.New("user not found")
	ErrInvalidUser   = errors.New("user id and name are required")
)

// User is a registered person.
type User struct {
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	RegisteredAt string `json:"registered_at"`
}

// Registry adds, lists and removes users. Removal cascades to attendance
// records and face samples.
type Registry struct {
	db         *store.DB
	attendance *attendance.Repository
	samples    *samples.Store
	inv        samples.Invalidator
	log        *zap.Logger
	now        func() time.Time
}

// NewRegistry wires a registry. inv may be nil.
func NewRegistry(db *store.DB, att *attendance.Repository, smp *samples.Store, inv samples.Invalidator, log *zap.Logger) *Registry {
	return &Registry{db: db, attendance: att, samples: smp, inv: inv, log: log, now: time.Now}
}

// Add registers a new user.
func (r *Registry) Add(ctx context.Context, userID, name string) (User, error) {
	userID, name = strings.TrimSpace(userID), strings.TrimSpace(name)
	if userID == "" || name == "" {
		return User{}, ErrInvalidUser
	}
	u := User{UserID: userID, Name: name, RegisteredAt: r.now().Format(RegisteredLayout)}
	res, err := r.db.Client.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO users (user_id, name, registered_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`), u.UserID, u.Name, u.RegisteredAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return User{}, err
	} else if n == 0 {
		return User{}, fmt.Errorf("%s: %w", userID, ErrDuplicateUser)
	}

	r.invalidate()
	r.log.Info("user added", zap.String("user_id", userID))
	return u, nil
}

// Get returns one user.
func (r *Registry) Get(ctx context.Context, userID string) (User, error) {
	var u User
	err := r.db.Client.QueryRowContext(ctx, r.db.Rebind(`
		SELECT user_id, name, registered_at FROM users WHERE user_id = ?
	`), userID).Scan(&u.UserID, &u.Name, &u.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// List returns every user ordered by identifier.
func (r *Registry) List(ctx context.Context) ([]User, error) {
	rows, err := r.db.Client.QueryContext(ctx, `SELECT user_id, name, registered_at FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UserID, &u.Name, &u.RegisteredAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Delete removes a user, their attendance records and their face samples.
// The encoding cache is invalidated before Delete returns.
func (r *Registry) Delete(ctx context.Context, userID string) error {
	var refs []string
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := r.attendance.DeleteForUserTx(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		if refs, err = r.samples.DeleteRowsTx(ctx, tx, userID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM users WHERE user_id = ?`), userID)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s: %w", userID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.samples.DeleteBlobs(ctx, refs)
	r.invalidate()
	r.log.Info("user deleted", zap.String("user_id", userID), zap.Int("samples", len(refs)))
	return nil
}

func (r *Registry) invalidate() {
	if r.inv != nil {
		r.inv.Invalidate()
	}
}
