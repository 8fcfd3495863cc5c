package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/config"
	"github.com/onesub/backend/internal/model"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyPrefix = "sk-tool-"
	// apiKeyLookupLen covers "sk-tool-" plus 8 random characters; the stored
	// plaintext prefix lets verification hit an index instead of scanning
	// every hash.
	apiKeyLookupLen = len(apiKeyPrefix) + 8
)

// CredentialStore is the repository slice credentials live in.
type CredentialStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKey, error)
	UpsertAPIKey(ctx context.Context, toolID uuid.UUID, prefix, keyHash string) error
	CreateTokenPair(ctx context.Context, pair *model.TokenPair) error
	GetTokenPairByAccessHash(ctx context.Context, hash string) (*model.TokenPair, error)
	GetTokenPairByRefreshHash(ctx context.Context, hash string) (*model.TokenPair, error)
	RotateTokenPair(ctx context.Context, id uuid.UUID, oldRefreshHash, accessHash, refreshHash string, accessExp, refreshExp time.Time) (bool, error)
	RevokeTokenPair(ctx context.Context, id uuid.UUID) error
	CreateLoginNonce(ctx context.Context, n *model.LoginNonce) error
	ConsumeLoginNonce(ctx context.Context, toolID uuid.UUID, nonce string, now time.Time) (uuid.UUID, error)
	GetTool(ctx context.Context, id uuid.UUID) (*model.Tool, error)
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
}

type CredentialService struct {
	store CredentialStore
	cfg   config.CredentialConfig
	log   zerolog.Logger
}

func NewCredentialService(store CredentialStore, cfg config.CredentialConfig, log zerolog.Logger) *CredentialService {
	return &CredentialService{store: store, cfg: cfg, log: log}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey mints a fresh key for the tool and installs its hash,
// atomically replacing any previous key. The plaintext is returned exactly
// once and never stored.
func (s *CredentialService) GenerateAPIKey(ctx context.Context, toolID uuid.UUID) (string, error) {
	random, err := randomHex(24)
	if err != nil {
		return "", err
	}
	raw := apiKeyPrefix + random

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), s.cfg.BcryptCost)
	if err != nil {
		return "", err
	}

	if err := s.store.UpsertAPIKey(ctx, toolID, raw[:apiKeyLookupLen], string(hash)); err != nil {
		return "", fmt.Errorf("failed to store api key: %w", err)
	}

	s.log.Info().Str("tool_id", toolID.String()).Msg("api key rotated")
	return raw, nil
}

// VerifyAPIKey authenticates a candidate key by prefix lookup plus hash
// comparison, returning the owning tool.
func (s *CredentialService) VerifyAPIKey(ctx context.Context, candidate string) (uuid.UUID, error) {
	if len(candidate) < apiKeyLookupLen || candidate[:len(apiKeyPrefix)] != apiKeyPrefix {
		return uuid.Nil, model.ErrInvalidCredential
	}

	key, err := s.store.GetAPIKeyByPrefix(ctx, candidate[:apiKeyLookupLen])
	if err != nil {
		return uuid.Nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(candidate)) != nil {
		return uuid.Nil, model.ErrInvalidCredential
	}
	return key.ToolID, nil
}

// IssueTokens creates a fresh access/refresh pair. Tokens are opaque random
// strings; the store keeps only their digests and all validity state.
func (s *CredentialService) IssueTokens(ctx context.Context, userID, toolID uuid.UUID) (*model.IssuedTokens, error) {
	access, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	refresh, err := randomHex(32)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pair := &model.TokenPair{
		UserID:           userID,
		ToolID:           toolID,
		AccessTokenHash:  hashToken(access),
		RefreshTokenHash: hashToken(refresh),
		AccessExpiresAt:  now.Add(s.cfg.AccessTokenTTL),
		RefreshExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.store.CreateTokenPair(ctx, pair); err != nil {
		return nil, fmt.Errorf("failed to store token pair: %w", err)
	}

	return &model.IssuedTokens{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}, nil
}

// VerifyAccessToken authenticates a bearer token against server state only.
func (s *CredentialService) VerifyAccessToken(ctx context.Context, raw string) (*model.TokenPair, error) {
	pair, err := s.store.GetTokenPairByAccessHash(ctx, hashToken(raw))
	if err != nil {
		return nil, err
	}
	if pair.Revoked || time.Now().After(pair.AccessExpiresAt) {
		return nil, model.ErrInvalidCredential
	}
	return pair, nil
}

// Refresh rotates both tokens together. The guarded update-in-place means the
// old refresh token is dead the instant the new pair exists; a replayed
// refresh with the old token matches nothing and fails.
func (s *CredentialService) Refresh(ctx context.Context, rawRefresh string) (*model.IssuedTokens, error) {
	oldHash := hashToken(rawRefresh)
	pair, err := s.store.GetTokenPairByRefreshHash(ctx, oldHash)
	if err != nil {
		return nil, err
	}
	if pair.Revoked || time.Now().After(pair.RefreshExpiresAt) {
		return nil, model.ErrInvalidCredential
	}

	access, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	refresh, err := randomHex(32)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	accessExp := now.Add(s.cfg.AccessTokenTTL)
	refreshExp := now.Add(s.cfg.RefreshTokenTTL)

	rotated, err := s.store.RotateTokenPair(ctx, pair.ID, oldHash, hashToken(access), hashToken(refresh), accessExp, refreshExp)
	if err != nil {
		return nil, err
	}
	if !rotated {
		// Lost the race to a concurrent refresh with the same token.
		return nil, model.ErrInvalidCredential
	}

	return &model.IssuedTokens{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *CredentialService) Revoke(ctx context.Context, rawAccess string) error {
	pair, err := s.store.GetTokenPairByAccessHash(ctx, hashToken(rawAccess))
	if err != nil {
		return err
	}
	return s.store.RevokeTokenPair(ctx, pair.ID)
}

func magicSignature(secret string, userID uuid.UUID, ts int64, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%d|%s", userID, ts, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueMagicLink builds a signed single-use login URL for the tool. The user
// must exist; a link for an unknown id would only fail later, at validation.
func (s *CredentialService) IssueMagicLink(ctx context.Context, userID, toolID uuid.UUID) (string, time.Time, error) {
	tool, err := s.store.GetTool(ctx, toolID)
	if err != nil {
		return "", time.Time{}, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return "", time.Time{}, err
	}

	nonce, err := randomHex(16)
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.cfg.MagicLinkTTL)
	if err := s.store.CreateLoginNonce(ctx, &model.LoginNonce{
		ToolID:    toolID,
		Nonce:     nonce,
		UserID:    userID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store nonce: %w", err)
	}

	ts := now.Unix()
	query := url.Values{}
	query.Set("user", userID.String())
	query.Set("ts", strconv.FormatInt(ts, 10))
	query.Set("nonce", nonce)
	query.Set("sig", magicSignature(tool.MagicSecret, userID, ts, nonce))

	return tool.MagicBaseURL + "?" + query.Encode(), expiresAt, nil
}

// ValidateMagicLink checks the signature and consumes the nonce. The nonce
// consume is an atomic check-and-mark in the shared store, so two concurrent
// validations of the same captured URL cannot both succeed.
func (s *CredentialService) ValidateMagicLink(ctx context.Context, toolID uuid.UUID, userIDRaw, tsRaw, nonce, sig string) (uuid.UUID, error) {
	userID, err := uuid.Parse(userIDRaw)
	if err != nil {
		return uuid.Nil, model.Invalid("user", "must be a valid id")
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return uuid.Nil, model.Invalid("ts", "must be a unix timestamp")
	}

	now := time.Now().UTC()
	issued := time.Unix(ts, 0)
	if now.Sub(issued) > s.cfg.MagicLinkTTL {
		return uuid.Nil, fmt.Errorf("%w: link expired", model.ErrSignatureInvalid)
	}
	if issued.Sub(now) > s.cfg.MagicClockSkew {
		return uuid.Nil, fmt.Errorf("%w: timestamp in the future", model.ErrSignatureInvalid)
	}

	tool, err := s.store.GetTool(ctx, toolID)
	if err != nil {
		return uuid.Nil, err
	}

	expected := magicSignature(tool.MagicSecret, userID, ts, nonce)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		s.log.Warn().
			Str("event", "magic_link.signature_failure").
			Str("tool_id", toolID.String()).
			Msg("magic link signature mismatch")
		return uuid.Nil, model.ErrSignatureInvalid
	}

	storedUser, err := s.store.ConsumeLoginNonce(ctx, toolID, nonce, now)
	if err != nil {
		return uuid.Nil, err
	}
	if storedUser != userID {
		return uuid.Nil, model.ErrSignatureInvalid
	}
	return userID, nil
}
