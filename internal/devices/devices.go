// Package devices registers kiosk devices and rotates their refresh tokens.
package devices

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"faceattend/internal/auth"
	"faceattend/internal/store"
)

var (
	ErrDeviceIDRequired = errors.New("device id required")
	ErrProvisionKey     = errors.New("invalid provisioning key")
	ErrRevoked          = errors.New("refresh token revoked or unknown")
)

// Service issues kiosk tokens.
type Service struct {
	db           *store.DB
	issuer       *auth.Issuer
	provisionKey string
	log          *zap.Logger
	now          func() time.Time
}

// NewService creates a device service. An empty provisionKey leaves
// registration open.
func NewService(db *store.DB, issuer *auth.Issuer, provisionKey string, log *zap.Logger) *Service {
	return &Service{db: db, issuer: issuer, provisionKey: provisionKey, log: log, now: time.Now}
}

// Register records a device and returns its first token pair.
func (s *Service) Register(ctx context.Context, deviceID, provisionKey string) (auth.TokenPair, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return auth.TokenPair{}, ErrDeviceIDRequired
	}
	if s.provisionKey != "" && subtle.ConstantTimeCompare([]byte(s.provisionKey), []byte(provisionKey)) != 1 {
		return auth.TokenPair{}, ErrProvisionKey
	}
	if err := s.upsertDevice(ctx, deviceID); err != nil {
		return auth.TokenPair{}, err
	}
	pair, err := s.issue(ctx, deviceID, auth.RoleKiosk)
	if err != nil {
		return auth.TokenPair{}, err
	}
	s.log.Info("device registered", zap.String("device_id", deviceID))
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair. Each refresh token works once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	claims, err := s.issuer.Parse(refreshToken, auth.TypeRefresh)
	if err != nil {
		return auth.TokenPair{}, err
	}
	res, err := s.db.Client.ExecContext(ctx, s.db.Rebind(`
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = ? AND revoked = FALSE AND expires_at > ?
	`), refreshToken, s.now().Unix())
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("revoke refresh token: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return auth.TokenPair{}, err
	} else if n != 1 {
		return auth.TokenPair{}, ErrRevoked
	}
	return s.issue(ctx, claims.Subject, claims.Role)
}

// Revoke invalidates a refresh token.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	_, err := s.db.Client.ExecContext(ctx, s.db.Rebind(`UPDATE refresh_tokens SET revoked = TRUE WHERE token = ?`), refreshToken)
	return err
}

func (s *Service) issue(ctx context.Context, deviceID, role string) (auth.TokenPair, error) {
	pair, err := s.issuer.Issue(deviceID, role)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if _, err := s.db.Client.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO refresh_tokens (token, device_id, expires_at)
		VALUES (?, ?, ?)
	`), pair.RefreshToken, deviceID, pair.RefreshExp.Unix()); err != nil {
		return auth.TokenPair{}, fmt.Errorf("save refresh token: %w", err)
	}
	return pair, nil
}

func (s *Service) upsertDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.Client.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO devices (device_id, created_at)
		VALUES (?, ?)
		ON CONFLICT (device_id) DO NOTHING
	`), deviceID, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}
