package devices

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kiosk/internal/auth"
)

// Service issues kiosk tokens. Only hashes of refresh tokens are stored.
type Service struct {
	store  Store
	signer *auth.Signer
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, signer *auth.Signer, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		signer: signer,
		log:    logger.With().Str("component", "devices").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enroll records the device and issues its first token pair.
func (s *Service) Enroll(ctx context.Context, deviceID string) (auth.TokenPair, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return auth.TokenPair{}, ErrInvalidDevice
	}
	if err := s.store.Upsert(ctx, deviceID, s.now()); err != nil {
		return auth.TokenPair{}, err
	}
	s.log.Info().Str("device_id", deviceID).Msg("device enrolled")
	return s.issue(ctx, deviceID)
}

// Refresh exchanges a refresh token for a new pair. The old refresh token
// stops working.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	claims, err := s.signer.Parse(refreshToken)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if claims.Role != auth.RoleKiosk {
		return auth.TokenPair{}, fmt.Errorf("%w: not a kiosk token", auth.ErrInvalidToken)
	}
	deviceID, err := s.store.UseRefreshToken(ctx, hashToken(refreshToken), s.now())
	if err != nil {
		return auth.TokenPair{}, err
	}
	if deviceID != claims.Subject {
		return auth.TokenPair{}, fmt.Errorf("%w: subject mismatch", auth.ErrInvalidToken)
	}
	return s.issue(ctx, deviceID)
}

// Revoke invalidates every refresh token of a device.
func (s *Service) Revoke(ctx context.Context, deviceID string) error {
	if err := s.store.RevokeDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("revoke device %s: %w", deviceID, err)
	}
	s.log.Info().Str("device_id", deviceID).Msg("device tokens revoked")
	return nil
}

func (s *Service) issue(ctx context.Context, deviceID string) (auth.TokenPair, error) {
	pair, err := s.signer.Issue(deviceID, auth.RoleKiosk)
	if err != nil {
		return auth.TokenPair{}, err
	}
	if err := s.store.SaveRefreshToken(ctx, deviceID, hashToken(pair.RefreshToken), pair.RefreshExp); err != nil {
		return auth.TokenPair{}, err
	}
	return pair, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
