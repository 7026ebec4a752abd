package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authdemo/authdemo-api/internal/models"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
)

func newTokenRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func refreshTokenRows(tokens ...*models.RefreshToken) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "user_id", "access_token_id", "token", "expires_at", "created_at", "revoked_at", "reason_revoked", "replaced_by_token"})
	for _, rt := range tokens {
		rows.AddRow(rt.ID, rt.UserID, rt.AccessTokenID, rt.Token, rt.ExpiresAt, rt.CreatedAt, rt.RevokedAt, rt.ReasonRevoked, rt.ReplacedByToken)
	}
	return rows
}

func TestTokenRepositoryCreateAndFind(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	expiresAt := time.Now().UTC().Add(24 * time.Hour)

	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))

	token := &models.RefreshToken{
		UserID:        "user-1",
		AccessTokenID: "jti-1",
		Token:         "raw-token",
		ExpiresAt:     expiresAt,
	}
	require.NoError(t, repo.Create(context.Background(), token))
	assert.NotEmpty(t, token.ID)

	stored := &models.RefreshToken{
		ID:            token.ID,
		UserID:        "user-1",
		AccessTokenID: "jti-1",
		Token:         "raw-token",
		ExpiresAt:     expiresAt,
		CreatedAt:     token.CreatedAt,
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, access_token_id, token, expires_at, created_at, revoked_at, reason_revoked, replaced_by_token FROM refresh_tokens WHERE token = $1 LIMIT 1")).
		WithArgs("raw-token").
		WillReturnRows(refreshTokenRows(stored))

	found, err := repo.FindByToken(context.Background(), "raw-token")
	require.NoError(t, err)
	assert.Equal(t, "jti-1", found.AccessTokenID)
	assert.True(t, found.IsActive())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryFindByTokenMissing(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectQuery("SELECT .+ FROM refresh_tokens WHERE token").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByToken(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestTokenRepositoryRevoke(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	revokedAt := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = $2, reason_revoked = $3 WHERE token = $1 AND revoked_at IS NULL")).
		WithArgs("raw-token", revokedAt, models.ReasonLogout).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Revoke(context.Background(), "raw-token", models.ReasonLogout, revokedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRevokeAllActiveForUser(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	revokedAt := time.Now().UTC()
	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("user-1", revokedAt, models.ReasonUserDeactivated).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.RevokeAllActiveForUser(context.Background(), "user-1", models.ReasonUserDeactivated, revokedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestTokenRepositoryRotateCommitsBoth(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	next := &models.RefreshToken{
		UserID:        "user-1",
		AccessTokenID: "jti-2",
		Token:         "next-token",
		ExpiresAt:     time.Now().UTC().Add(24 * time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET replaced_by_token = $2 WHERE token = $1 AND revoked_at IS NULL AND replaced_by_token IS NULL")).
		WithArgs("old-token", "next-token").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Rotate(context.Background(), "old-token", next))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRotateLosesWhenAlreadyReplaced(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	next := &models.RefreshToken{
		UserID:        "user-1",
		AccessTokenID: "jti-2",
		Token:         "next-token",
		ExpiresAt:     time.Now().UTC().Add(24 * time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE refresh_tokens SET replaced_by_token").
		WithArgs("old-token", "next-token").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Rotate(context.Background(), "old-token", next)
	assert.ErrorIs(t, err, appErrors.ErrTokenRotated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryFindActiveByUser(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now().UTC()
	first := &models.RefreshToken{ID: "rt-1", UserID: "user-1", AccessTokenID: "jti-1", Token: "tok-1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	second := &models.RefreshToken{ID: "rt-2", UserID: "user-1", AccessTokenID: "jti-2", Token: "tok-2", ExpiresAt: now.Add(time.Hour), CreatedAt: now}

	mock.ExpectQuery("SELECT .+ FROM refresh_tokens WHERE user_id").
		WithArgs("user-1", sqlmock.AnyArg()).
		WillReturnRows(refreshTokenRows(first, second))

	tokens, err := repo.FindActiveByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestTokenRepositoryFindActiveByAccessTokenID(t *testing.T) {
	db, mock, cleanup := newTokenRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	stored := &models.RefreshToken{
		ID:            "rt-1",
		UserID:        "user-1",
		AccessTokenID: "jti-1",
		Token:         "raw-token",
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
		CreatedAt:     time.Now().UTC(),
	}
	mock.ExpectQuery("SELECT .+ FROM refresh_tokens WHERE access_token_id").
		WithArgs("jti-1", sqlmock.AnyArg()).
		WillReturnRows(refreshTokenRows(stored))

	found, err := repo.FindActiveByAccessTokenID(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.Equal(t, "raw-token", found.Token)
}
