// Package samples keeps the registered face sample images and the explicit
// mapping from each sample to the user it belongs to.
package samples

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"faceattend/internal/blob"
	"faceattend/internal/store"
)

// DefaultMaxPerUser bounds how many samples one registration keeps.
const DefaultMaxPerUser = 5

// createdLayout is fixed width so text ordering matches time ordering.
const createdLayout = "2006-01-02T15:04:05.000000000Z"

var (
	ErrNoSamples       = errors.New("no face images provided")
	ErrEmptyFile       = errors.New("empty face image")
	ErrUnsupportedType = errors.New("file type not allowed, use png, jpg or jpeg")
	ErrUnknownUser     = errors.New("user not found")
)

var allowedExt = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// Sample is one stored face image.
type Sample struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Ref       string `json:"ref"`
	CreatedAt string `json:"created_at"`
}

// Upload is an image submitted for registration.
type Upload struct {
	Filename string
	Data     []byte
}

// Invalidator is told whenever the sample set changes.
type Invalidator interface {
	Invalidate()
}

// Store persists sample rows in the database and image bytes in a blob store.
type Store struct {
	db         *store.DB
	blobs      blob.Store
	inv        Invalidator
	maxPerUser int
	log        *zap.Logger
	now        func() time.Time
}

// NewStore wires a sample store. inv may be nil.
func NewStore(db *store.DB, blobs blob.Store, inv Invalidator, maxPerUser int, log *zap.Logger) *Store {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	return &Store{db: db, blobs: blobs, inv: inv, maxPerUser: maxPerUser, log: log, now: time.Now}
}

// MaxPerUser is the registration cap.
func (s *Store) MaxPerUser() int { return s.maxPerUser }

// Validate checks that an upload is a non-empty png or jpeg by name.
func Validate(u Upload) error {
	if !allowedExt[strings.ToLower(filepath.Ext(u.Filename))] {
		return fmt.Errorf("%s: %w", u.Filename, ErrUnsupportedType)
	}
	if len(u.Data) == 0 {
		return fmt.Errorf("%s: %w", u.Filename, ErrEmptyFile)
	}
	return nil
}

// Register replaces the user's samples with the given uploads. Only the first
// MaxPerUser uploads are kept; all of them must pass Validate.
func (s *Store) Register(ctx context.Context, userID string, uploads []Upload) ([]Sample, error) {
	if len(uploads) == 0 {
		return nil, ErrNoSamples
	}
	for _, u := range uploads {
		if err := Validate(u); err != nil {
			return nil, err
		}
	}
	if len(uploads) > s.maxPerUser {
		uploads = uploads[:s.maxPerUser]
	}

	var exists int
	err := s.db.Client.QueryRowContext(ctx, s.db.Rebind(`SELECT 1 FROM users WHERE user_id = ?`), userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", userID, ErrUnknownUser)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	base := s.now().UTC()
	added := make([]Sample, 0, len(uploads))
	for i, u := range uploads {
		id := uuid.NewString()
		ref, err := s.blobs.Put(ctx, id+strings.ToLower(filepath.Ext(u.Filename)), u.Data)
		if err != nil {
			s.deleteBlobs(ctx, refsOf(added))
			return nil, fmt.Errorf("store sample %s: %w", u.Filename, err)
		}
		added = append(added, Sample{
			ID:        id,
			UserID:    userID,
			Ref:       ref,
			CreatedAt: base.Add(time.Duration(i)).Format(createdLayout),
		})
	}

	var replaced []string
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		if replaced, err = s.DeleteRowsTx(ctx, tx, userID); err != nil {
			return err
		}
		for _, smp := range added {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(`
				INSERT INTO face_samples (id, user_id, ref, created_at)
				VALUES (?, ?, ?, ?)
			`), smp.ID, smp.UserID, smp.Ref, smp.CreatedAt); err != nil {
				return fmt.Errorf("insert sample: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.deleteBlobs(ctx, refsOf(added))
		return nil, err
	}

	s.deleteBlobs(ctx, replaced)
	s.invalidate()
	s.log.Info("face samples registered",
		zap.String("user_id", userID),
		zap.Int("count", len(added)),
		zap.Int("replaced", len(replaced)))
	return added, nil
}

// ListSamples returns every sample ordered by user, creation time and id.
func (s *Store) ListSamples(ctx context.Context) ([]Sample, error) {
	return s.query(ctx, `
		SELECT id, user_id, ref, created_at FROM face_samples
		ORDER BY user_id, created_at, id
	`)
}

// ListForUser returns one user's samples in creation order.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Sample, error) {
	return s.query(ctx, `
		SELECT id, user_id, ref, created_at FROM face_samples
		WHERE user_id = ?
		ORDER BY created_at, id
	`, userID)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Sample, error) {
	rows, err := s.db.Client.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var smp Sample
		if err := rows.Scan(&smp.ID, &smp.UserID, &smp.Ref, &smp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// Count returns how many samples a user has.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.Client.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM face_samples WHERE user_id = ?`), userID).Scan(&n)
	return n, err
}

// Read loads the image bytes of a sample.
func (s *Store) Read(ctx context.Context, smp Sample) ([]byte, error) {
	return s.blobs.Get(ctx, smp.Ref)
}

// DeleteSamples removes all of a user's samples.
func (s *Store) DeleteSamples(ctx context.Context, userID string) error {
	var refs []string
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		refs, err = s.DeleteRowsTx(ctx, tx, userID)
		return err
	})
	if err != nil {
		return err
	}
	s.deleteBlobs(ctx, refs)
	if len(refs) > 0 {
		s.invalidate()
	}
	return nil
}

// DeleteRowsTx removes a user's sample rows inside tx and returns the blob
// references the caller should delete once tx commits.
func (s *Store) DeleteRowsTx(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, s.db.Rebind(`SELECT ref FROM face_samples WHERE user_id = ?`), userID)
	if err != nil {
		return nil, fmt.Errorf("select sample refs: %w", err)
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return nil, err
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM face_samples WHERE user_id = ?`), userID); err != nil {
		return nil, fmt.Errorf("delete sample rows: %w", err)
	}
	return refs, nil
}

// DeleteBlobs removes stored images, logging failures.
func (s *Store) DeleteBlobs(ctx context.Context, refs []string) {
	s.deleteBlobs(ctx, refs)
}

func (s *Store) deleteBlobs(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if err := s.blobs.Delete(ctx, ref); err != nil {
			s.log.Warn("delete sample blob failed", zap.String("ref", ref), zap.Error(err))
		}
	}
}

func (s *Store) invalidate() {
	if s.inv != nil {
		s.inv.Invalidate()
	}
}

func refsOf(list []Sample) []string {
	refs := make([]string, len(list))
	for i, smp := range list {
		refs[i] = smp.Ref
	}
	return refs
}

// ParseLegacyName reads the user id out of a dataset file named
// <userid>_<n>.<ext>, the layout older installs kept on disk.
func ParseLegacyName(filename string) (userID string, ok bool) {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	if !allowedExt[strings.ToLower(ext)] {
		return "", false
	}
	stem := strings.TrimSuffix(base, ext)
	i := strings.LastIndex(stem, "_")
	if i <= 0 || i == len(stem)-1 {
		return "", false
	}
	if _, err := strconv.Atoi(stem[i+1:]); err != nil {
		return "", false
	}
	return stem[:i], true
}
