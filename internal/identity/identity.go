// Package identity implements user registration, password authentication,
// and API key lifecycle management (§4.3).
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kelpejol/scoring-gateway/internal/apierr"
	"github.com/kelpejol/scoring-gateway/internal/apikey"
	"github.com/kelpejol/scoring-gateway/internal/password"
	"github.com/kelpejol/scoring-gateway/internal/store"
	"github.com/rs/zerolog"
)

// Service implements the identity operations of §4.3, composed once at
// startup and handed by reference to every HTTP route that needs it
// (spec.md §9 "global service singletons" — replaced with composition-root
// wiring).
type Service struct {
	store  store.Store
	pepper string
	limits store.RateLimitDefaults
	log    zerolog.Logger
}

func New(s store.Store, pepper string, limits store.RateLimitDefaults, logger zerolog.Logger) *Service {
	return &Service{
		store:  s,
		pepper: pepper,
		limits: limits,
		log:    logger.With().Str("component", "identity").Logger(),
	}
}

// Register implements §4.3 register.
func (svc *Service) Register(ctx context.Context, username, email, plaintextPassword string) (*store.User, error) {
	if len(plaintextPassword) < password.MinLength {
		return nil, apierr.Validation("password must be at least %d characters", password.MinLength)
	}
	if !strings.Contains(email, "@") {
		return nil, apierr.Validation("email must contain '@'")
	}

	hash, err := password.Hash(plaintextPassword)
	if err != nil {
		return nil, apierr.Internal("failed to hash password")
	}

	user, err := svc.store.CreateUser(ctx, username, email, hash, svc.limits)
	if errors.Is(err, store.ErrConflict) {
		return nil, apierr.Conflict("username or email already registered")
	}
	if err != nil {
		svc.log.Error().Err(err).Msg("register: store create failed")
		return nil, apierr.Internal("failed to register user")
	}

	svc.log.Info().Str("user_id", user.ID).Str("username", username).Msg("user registered")
	return user, nil
}

// Authenticate implements §4.3 authenticate. It must not distinguish
// unknown-username, inactive-user, and hash-mismatch to the caller — all
// three return (nil, nil).
func (svc *Service) Authenticate(ctx context.Context, username, plaintextPassword string) (*store.User, error) {
	user, err := svc.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		svc.log.Error().Err(err).Msg("authenticate: store lookup failed")
		return nil, apierr.Internal("failed to authenticate")
	}

	if !user.IsActive {
		return nil, nil
	}

	if !password.Verify(plaintextPassword, user.PasswordHash) {
		return nil, nil
	}

	return user, nil
}

// GenerateKey implements §4.3 generate_key. The new key is stored with nil
// per-key limit overrides; the user's limits are not copied onto it, so the
// rate-limit stage resolves the user's current limits at request time.
func (svc *Service) GenerateKey(ctx context.Context, user *store.User, name string, expiresInDays *int) (plaintext string, key *store.APIKey, err error) {
	plaintext, hashed, err := apikey.Mint(svc.pepper)
	if err != nil {
		return "", nil, apierr.Internal("failed to mint api key")
	}

	k := &store.APIKey{
		UserID:    user.ID,
		HashedKey: hashed,
		Name:      name,
	}
	if expiresInDays != nil {
		t := time.Now().UTC().AddDate(0, 0, *expiresInDays)
		k.ExpiresAt = &t
	}

	if err := svc.store.CreateAPIKey(ctx, k); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", nil, apierr.Conflict("a key with that name already exists")
		}
		svc.log.Error().Err(err).Msg("generate_key: store create failed")
		return "", nil, apierr.Internal("failed to create api key")
	}

	svc.log.Info().Str("user_id", user.ID).Str("name", name).Msg("api key generated")
	return plaintext, k, nil
}

// ValidateKey implements §4.3 validate_key: atomic lookup, expiry
// deactivation, owning-user-inactive check, and last_used touch.
func (svc *Service) ValidateKey(ctx context.Context, plaintext string) (userID string, apiKeyID int64, ok bool) {
	hashed := apikey.Hash(plaintext, svc.pepper)

	result, err := svc.store.ValidateAPIKey(ctx, hashed, time.Now().UTC())
	if err != nil {
		svc.log.Error().Err(err).Msg("validate_key: store call failed")
		return "", 0, false
	}
	if !result.Valid {
		svc.log.Debug().Str("reason", result.Reason).Msg("key validation rejected")
		return "", 0, false
	}

	return result.UserID, result.APIKeyID, true
}

// ListKeys implements §4.3 list_keys.
func (svc *Service) ListKeys(ctx context.Context, userID string) ([]store.APIKey, error) {
	keys, err := svc.store.ListAPIKeys(ctx, userID)
	if err != nil {
		svc.log.Error().Err(err).Msg("list_keys: store call failed")
		return nil, apierr.Internal("failed to list api keys")
	}
	return keys, nil
}

// RevokeKey implements §4.3 revoke_key.
func (svc *Service) RevokeKey(ctx context.Context, userID, name string) (bool, error) {
	revoked, err := svc.store.DeactivateAPIKeyByName(ctx, userID, name)
	if err != nil {
		svc.log.Error().Err(err).Msg("revoke_key: store call failed")
		return false, apierr.Internal("failed to revoke api key")
	}
	if !revoked {
		return false, apierr.NotFound("no active key with that name")
	}

	svc.log.Info().Str("user_id", userID).Str("name", name).Msg("api key revoked")
	return true, nil
}
