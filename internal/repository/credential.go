package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
)

func (r *Repository) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKey, error) {
	var key model.APIKey
	err := r.db.GetContext(ctx, &key,
		"SELECT * FROM api_keys WHERE prefix = $1", prefix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrInvalidCredential
		}
		return nil, err
	}
	return &key, nil
}

// UpsertAPIKey installs a new hash for the tool's single key slot. The unique
// constraint on tool_id makes rotation atomic: the moment the new hash lands,
// the previous key stops verifying.
func (r *Repository) UpsertAPIKey(ctx context.Context, toolID uuid.UUID, prefix, keyHash string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (tool_id, prefix, key_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (tool_id) DO UPDATE
		SET prefix = EXCLUDED.prefix, key_hash = EXCLUDED.key_hash, rotated_at = NOW()`,
		toolID, prefix, keyHash)
	return err
}

func (r *Repository) CreateTokenPair(ctx context.Context, pair *model.TokenPair) error {
	query := `
		INSERT INTO token_pairs (
			user_id, tool_id, access_token_hash, refresh_token_hash,
			access_expires_at, refresh_expires_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		pair.UserID,
		pair.ToolID,
		pair.AccessTokenHash,
		pair.RefreshTokenHash,
		pair.AccessExpiresAt,
		pair.RefreshExpiresAt,
	).Scan(&pair.ID, &pair.CreatedAt, &pair.UpdatedAt)
}

func (r *Repository) GetTokenPairByAccessHash(ctx context.Context, hash string) (*model.TokenPair, error) {
	return r.getTokenPair(ctx, "access_token_hash", hash)
}

func (r *Repository) GetTokenPairByRefreshHash(ctx context.Context, hash string) (*model.TokenPair, error) {
	return r.getTokenPair(ctx, "refresh_token_hash", hash)
}

func (r *Repository) getTokenPair(ctx context.Context, column, hash string) (*model.TokenPair, error) {
	var pair model.TokenPair
	err := r.db.GetContext(ctx, &pair,
		"SELECT * FROM token_pairs WHERE "+column+" = $1", hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrInvalidCredential
		}
		return nil, err
	}
	return &pair, nil
}

// RotateTokenPair replaces both hashes in place, guarded on the old refresh
// hash. Update-in-place means the old refresh token cannot refresh again: a
// concurrent second rotation with the same old hash matches zero rows.
func (r *Repository) RotateTokenPair(ctx context.Context, id uuid.UUID, oldRefreshHash, accessHash, refreshHash string, accessExp, refreshExp time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE token_pairs SET
			access_token_hash = $3,
			refresh_token_hash = $4,
			access_expires_at = $5,
			refresh_expires_at = $6,
			updated_at = NOW()
		WHERE id = $1 AND refresh_token_hash = $2 AND NOT revoked`,
		id, oldRefreshHash, accessHash, refreshHash, accessExp, refreshExp)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) RevokeTokenPair(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE token_pairs SET revoked = TRUE, updated_at = NOW() WHERE id = $1", id)
	return err
}

func (r *Repository) CreateLoginNonce(ctx context.Context, n *model.LoginNonce) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO login_nonces (tool_id, nonce, user_id, expires_at)
		VALUES ($1, $2, $3, $4)`,
		n.ToolID, n.Nonce, n.UserID, n.ExpiresAt)
	return err
}

// ConsumeLoginNonce is the atomic check-and-mark that makes magic links
// single-use. Exactly one concurrent caller gets rows affected > 0; everyone
// else sees ErrNonceUsed.
func (r *Repository) ConsumeLoginNonce(ctx context.Context, toolID uuid.UUID, nonce string, now time.Time) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		UPDATE login_nonces SET used_at = NOW()
		WHERE tool_id = $1 AND nonce = $2 AND used_at IS NULL AND expires_at > $3
		RETURNING user_id`,
		toolID, nonce, now).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, model.ErrNonceUsed
	}
	return userID, err
}

// PurgeExpiredNonces clears dead nonces so the table stays small.
func (r *Repository) PurgeExpiredNonces(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM login_nonces WHERE expires_at < $1", before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
