package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/authdemo/authdemo-api/internal/models"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
)

const refreshTokenColumns = "id, user_id, access_token_id, token, expires_at, created_at, revoked_at, reason_revoked, replaced_by_token"

// TokenRepository provides durable storage for refresh-token records. Records
// are append-only: rows are created at issuance and mutated to record
// revocation or replacement, never deleted.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create persists a new refresh token record.
func (r *TokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO refresh_tokens (id, user_id, access_token_id, token, expires_at, created_at) VALUES (:id, :user_id, :access_token_id, :token, :expires_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByToken returns a refresh token by its raw value regardless of state.
func (r *TokenRepository) FindByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	query := fmt.Sprintf("SELECT %s FROM refresh_tokens WHERE token = $1 LIMIT 1", refreshTokenColumns)
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// FindActiveByAccessTokenID returns the still-active refresh token paired
// with the given access token id, if any.
func (r *TokenRepository) FindActiveByAccessTokenID(ctx context.Context, accessTokenID string) (*models.RefreshToken, error) {
	query := fmt.Sprintf("SELECT %s FROM refresh_tokens WHERE access_token_id = $1 AND revoked_at IS NULL AND replaced_by_token IS NULL AND expires_at > $2 LIMIT 1", refreshTokenColumns)
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, accessTokenID, time.Now().UTC()); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token by access token id: %w", err)
	}
	return &rt, nil
}

// FindActiveByUser returns every refresh token of the user that is neither
// expired, revoked nor replaced.
func (r *TokenRepository) FindActiveByUser(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	query := fmt.Sprintf("SELECT %s FROM refresh_tokens WHERE user_id = $1 AND revoked_at IS NULL AND replaced_by_token IS NULL AND expires_at > $2", refreshTokenColumns)
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("find active refresh tokens: %w", err)
	}
	return tokens, nil
}

// Revoke marks the refresh token with the given value as revoked. Revoking an
// already-revoked token is a no-op.
func (r *TokenRepository) Revoke(ctx context.Context, token, reason string, revokedAt time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked_at = $2, reason_revoked = $3 WHERE token = $1 AND revoked_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, token, revokedAt, reason); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllActiveForUser revokes every active refresh token of the user and
// returns how many rows were touched.
func (r *TokenRepository) RevokeAllActiveForUser(ctx context.Context, userID, reason string, revokedAt time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2, reason_revoked = $3 WHERE user_id = $1 AND revoked_at IS NULL AND replaced_by_token IS NULL AND expires_at > $2`
	res, err := r.db.ExecContext(ctx, query, userID, revokedAt, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return affected, nil
}

// Rotate commits a rotation as one transaction: the successor record is
// inserted and the predecessor's replaced_by_token pointer is set with a
// conditional update. The condition doubles as the check-and-set that decides
// between two concurrent rotations of the same token: the loser's update
// matches zero rows and the whole transaction rolls back with
// ErrTokenRotated.
func (r *TokenRepository) Rotate(ctx context.Context, oldToken string, next *models.RefreshToken) error {
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rotate refresh token: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertQuery = `INSERT INTO refresh_tokens (id, user_id, access_token_id, token, expires_at, created_at) VALUES (:id, :user_id, :access_token_id, :token, :expires_at, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insertQuery, next); err != nil {
		return fmt.Errorf("rotate refresh token: insert successor: %w", err)
	}

	const replaceQuery = `UPDATE refresh_tokens SET replaced_by_token = $2 WHERE token = $1 AND revoked_at IS NULL AND replaced_by_token IS NULL`
	res, err := tx.ExecContext(ctx, replaceQuery, oldToken, next.Token)
	if err != nil {
		return fmt.Errorf("rotate refresh token: mark replaced: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate refresh token: mark replaced: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrTokenRotated
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rotate refresh token: commit: %w", err)
	}
	return nil
}
