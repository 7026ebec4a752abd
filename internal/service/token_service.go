package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mileusna/useragent"
	"go.uber.org/zap"

	"github.com/authdemo/authdemo-api/internal/models"
	"github.com/authdemo/authdemo-api/internal/repository"
	"github.com/authdemo/authdemo-api/pkg/config"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
)

// refreshTokenEntropy is the number of random bytes behind a refresh token
// value. Collisions are treated as negligible; the unique constraint on
// refresh_tokens.token is the backstop.
const refreshTokenEntropy = 48

type tokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByToken(ctx context.Context, token string) (*models.RefreshToken, error)
	FindActiveByAccessTokenID(ctx context.Context, accessTokenID string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, token, reason string, revokedAt time.Time) error
	RevokeAllActiveForUser(ctx context.Context, userID, reason string, revokedAt time.Time) (int64, error)
	Rotate(ctx context.Context, oldToken string, next *models.RefreshToken) error
}

type sessionStore interface {
	Get(ctx context.Context, resource repository.Resource, ownerID, resourceID string, dest interface{}) error
	Set(ctx context.Context, resource repository.Resource, ownerID, resourceID string, value interface{}, expiresAt time.Time) error
	Remove(ctx context.Context, resource repository.Resource, ownerID, resourceID string) (bool, error)
	RemoveAllForOwner(ctx context.Context, resource repository.Resource, ownerID string) (bool, error)
	SessionsForUser(ctx context.Context, userID string) ([]models.AccessTokenSession, error)
}

type identityReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// TokenPair is one issued access/refresh pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	IssuedAt     time.Time
}

// TokenService issues signed access tokens paired with rotating refresh
// tokens, and coordinates the two stores that make them revocable: the cache
// holding live sessions and the durable refresh-token chain.
type TokenService struct {
	tokens   tokenRepository
	sessions sessionStore
	users    identityReader
	metrics  *MetricsService
	logger   *zap.Logger
	config   config.JWTConfig
}

// NewTokenService constructs a TokenService instance.
func NewTokenService(tokens tokenRepository, sessions sessionStore, users identityReader, metrics *MetricsService, logger *zap.Logger, cfg config.JWTConfig) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{tokens: tokens, sessions: sessions, users: users, metrics: metrics, logger: logger, config: cfg}
}

// IssueTokens mints a signed access token and a paired refresh token for the
// user. The refresh record is persisted and the session is registered in the
// cache before the signed token is released: a signed token whose session was
// never registered would verify cryptographically yet always fail the
// live-session check, so registration failure aborts the issuance and the
// orphaned refresh record is revoked best-effort.
func (s *TokenService) IssueTokens(ctx context.Context, user *models.User, userAgent string) (*TokenPair, error) {
	tokenID := uuid.NewString()
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(s.config.AccessTokenExpiry)

	refreshValue, err := generateRefreshTokenValue()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	signed, err := s.signAccessToken(user, tokenID, issuedAt, expiresAt)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}

	refresh := &models.RefreshToken{
		UserID:        user.ID,
		AccessTokenID: tokenID,
		Token:         refreshValue,
		ExpiresAt:     issuedAt.Add(s.config.RefreshTokenExpiry),
		CreatedAt:     issuedAt,
	}
	if err := s.tokens.Create(ctx, refresh); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	session := models.AccessTokenSession{
		UserID:          user.ID,
		TokenID:         tokenID,
		RefreshToken:    refreshValue,
		TokenExpiration: expiresAt,
		TokenDuration:   s.config.AccessTokenExpiry,
		UserAgentInfo:   parseUserAgent(userAgent),
	}
	if err := s.sessions.Set(ctx, repository.ResourceAccessToken, user.ID, tokenID, session, expiresAt); err != nil {
		s.logger.Error("session registration failed, discarding issued pair",
			zap.String("user_id", user.ID), zap.String("token_id", tokenID), zap.Error(err))
		if revokeErr := s.tokens.Revoke(ctx, refreshValue, models.ReasonOrphanedSession, time.Now().UTC()); revokeErr != nil {
			s.logger.Warn("failed to revoke orphaned refresh token", zap.String("token_id", tokenID), zap.Error(revokeErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrSessionRegistration.Code, appErrors.ErrSessionRegistration.Status, appErrors.ErrSessionRegistration.Message)
	}

	s.metrics.RecordTokenIssued()

	return &TokenPair{
		AccessToken:  signed,
		RefreshToken: refreshValue,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:     issuedAt,
	}, nil
}

// VerifyAndRotate exchanges an access/refresh pair for a fresh one, marking
// the presented refresh token as replaced. Every failure collapses to the
// same ErrTokenVerification so callers cannot learn which check failed.
func (s *TokenService) VerifyAndRotate(ctx context.Context, accessToken, refreshToken, userAgent string) (*TokenPair, error) {
	claims, err := s.parseForRotation(accessToken)
	if err != nil {
		return nil, s.verificationFailed("access token rejected", err)
	}
	tokenID := claims.RegisteredClaims.ID
	if tokenID == "" || claims.UserID == "" {
		return nil, s.verificationFailed("access token missing identity claims", nil)
	}

	stored, err := s.tokens.FindByToken(ctx, refreshToken)
	if err != nil {
		return nil, s.verificationFailed("refresh token lookup failed", err)
	}
	if stored == nil || !stored.IsActive() {
		return nil, s.verificationFailed("refresh token not active", nil)
	}
	if stored.UserID != claims.UserID || stored.AccessTokenID != tokenID {
		return nil, s.verificationFailed("refresh token pairing mismatch", nil)
	}

	// The presented access token is consumed by the exchange even if its exp
	// has not elapsed yet.
	if _, err := s.sessions.Remove(ctx, repository.ResourceAccessToken, claims.UserID, tokenID); err != nil {
		return nil, s.verificationFailed("failed to evict exchanged session", err)
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, s.verificationFailed("user lookup failed", err)
	}
	if !user.Active {
		return nil, s.verificationFailed("user inactive", nil)
	}

	pair, next, session, err := s.mintPair(user, userAgent)
	if err != nil {
		return nil, s.verificationFailed("failed to mint replacement pair", err)
	}
	if err := s.sessions.Set(ctx, repository.ResourceAccessToken, user.ID, next.AccessTokenID, session, session.TokenExpiration); err != nil {
		return nil, s.verificationFailed("failed to register replacement session", err)
	}

	// One transaction: persist the successor and set the predecessor's
	// replacement pointer. A concurrent rotation of the same token loses the
	// conditional update, and its freshly minted session is discarded.
	if err := s.tokens.Rotate(ctx, stored.Token, next); err != nil {
		if _, removeErr := s.sessions.Remove(ctx, repository.ResourceAccessToken, user.ID, next.AccessTokenID); removeErr != nil {
			s.logger.Warn("failed to discard session of aborted rotation",
				zap.String("user_id", user.ID), zap.String("token_id", next.AccessTokenID), zap.Error(removeErr))
		}
		return nil, s.verificationFailed("rotation commit failed", err)
	}

	s.metrics.RecordTokenRotated()

	return pair, nil
}

// IsAccessTokenLive reports whether the access token still has a registered
// session. Store failures propagate so the bearer pipeline can fail closed.
func (s *TokenService) IsAccessTokenLive(ctx context.Context, tokenID, userID string) (bool, error) {
	var session models.AccessTokenSession
	err := s.sessions.Get(ctx, repository.ResourceAccessToken, userID, tokenID, &session)
	if err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			s.metrics.RecordSessionProbe(false)
			return false, nil
		}
		return false, err
	}
	s.metrics.RecordSessionProbe(true)
	return true, nil
}

// ValidateAccessToken fully validates a bearer token: signature, issuer,
// audience and expiry.
func (s *TokenService) ValidateAccessToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, s.signingKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Audience),
	)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}

// InvalidateAllSessions deletes every cached session of the user and revokes
// all their active refresh tokens. The two stores are not transactionally
// linked; when the repository side fails after the cache side succeeded, the
// divergence is logged for manual reconciliation and returned as an error.
func (s *TokenService) InvalidateAllSessions(ctx context.Context, userID, reason string) (bool, error) {
	ok, cacheErr := s.sessions.RemoveAllForOwner(ctx, repository.ResourceAccessToken, userID)

	revoked, repoErr := s.tokens.RevokeAllActiveForUser(ctx, userID, reason, time.Now().UTC())
	if repoErr != nil {
		s.logger.Error("refresh-token revocation failed after cache invalidation, stores diverged",
			zap.String("user_id", userID), zap.String("reason", reason), zap.Error(repoErr))
		return ok, appErrors.Wrap(repoErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh tokens")
	}
	if cacheErr != nil {
		return false, cacheErr
	}

	s.metrics.RecordTokensRevoked(revoked)
	s.logger.Info("invalidated all user sessions",
		zap.String("user_id", userID), zap.String("reason", reason), zap.Int64("refresh_tokens_revoked", revoked))

	return ok, nil
}

// InvalidateOnLogout ends one session: the paired refresh token is revoked
// and the cached session deleted. When the session has already expired out of
// the cache, the refresh token is resolved durably by its paired access-token
// id instead, so a still-unexpired refresh token cannot outlive a logout.
// Logging out an already-dead session succeeds without revoking anything.
func (s *TokenService) InvalidateOnLogout(ctx context.Context, accessTokenID, userID, reason string) (bool, error) {
	refreshValue := ""

	var session models.AccessTokenSession
	err := s.sessions.Get(ctx, repository.ResourceAccessToken, userID, accessTokenID, &session)
	switch {
	case err == nil:
		refreshValue = session.RefreshToken
	case errors.Is(err, appErrors.ErrCacheMiss):
		stored, findErr := s.tokens.FindActiveByAccessTokenID(ctx, accessTokenID)
		if findErr == nil {
			refreshValue = stored.Token
		} else if !isNotFound(findErr) {
			return false, appErrors.Wrap(findErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve refresh token")
		}
	default:
		return false, err
	}

	if refreshValue != "" {
		if err := s.tokens.Revoke(ctx, refreshValue, reason, time.Now().UTC()); err != nil {
			return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
		}
		s.metrics.RecordTokensRevoked(1)
	}

	removed, err := s.sessions.Remove(ctx, repository.ResourceAccessToken, userID, accessTokenID)
	if err != nil {
		return false, err
	}
	return removed, nil
}

// ListSessions returns a best-effort snapshot of the user's live sessions for
// administrative listing. Partial results are returned when the store
// degrades mid-scan. Raw refresh tokens never leave this layer.
func (s *TokenService) ListSessions(ctx context.Context, userID string) []models.AccessTokenSession {
	sessions, err := s.sessions.SessionsForUser(ctx, userID)
	if err != nil {
		s.logger.Warn("session enumeration degraded, returning partial results",
			zap.String("user_id", userID), zap.Error(err))
	}
	for i := range sessions {
		sessions[i].RefreshToken = ""
	}
	return sessions
}

func (s *TokenService) mintPair(user *models.User, userAgent string) (*TokenPair, *models.RefreshToken, models.AccessTokenSession, error) {
	tokenID := uuid.NewString()
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(s.config.AccessTokenExpiry)

	refreshValue, err := generateRefreshTokenValue()
	if err != nil {
		return nil, nil, models.AccessTokenSession{}, err
	}

	signed, err := s.signAccessToken(user, tokenID, issuedAt, expiresAt)
	if err != nil {
		return nil, nil, models.AccessTokenSession{}, err
	}

	refresh := &models.RefreshToken{
		UserID:        user.ID,
		AccessTokenID: tokenID,
		Token:         refreshValue,
		ExpiresAt:     issuedAt.Add(s.config.RefreshTokenExpiry),
		CreatedAt:     issuedAt,
	}
	session := models.AccessTokenSession{
		UserID:          user.ID,
		TokenID:         tokenID,
		RefreshToken:    refreshValue,
		TokenExpiration: expiresAt,
		TokenDuration:   s.config.AccessTokenExpiry,
		UserAgentInfo:   parseUserAgent(userAgent),
	}
	pair := &TokenPair{
		AccessToken:  signed,
		RefreshToken: refreshValue,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:     issuedAt,
	}
	return pair, refresh, session, nil
}

func (s *TokenService) signAccessToken(user *models.User, tokenID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := &models.JWTClaims{
		UserID:   user.ID,
		UserName: user.UserName,
		Email:    user.Email,
		RoleID:   user.RoleID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.Secret))
}

// parseForRotation verifies signature, issuer and audience but tolerates an
// elapsed exp claim: an expired access token is the expected input to a
// refresh exchange.
func (s *TokenService) parseForRotation(tokenString string) (*models.JWTClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(tokenString, &models.JWTClaims{}, s.signingKey)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	if claims.Issuer != s.config.Issuer {
		return nil, jwt.ErrTokenInvalidIssuer
	}
	if !containsAudience(claims.Audience, s.config.Audience) {
		return nil, jwt.ErrTokenInvalidAudience
	}
	return claims, nil
}

func (s *TokenService) signingKey(token *jwt.Token) (interface{}, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return []byte(s.config.Secret), nil
}

// verificationFailed logs the real cause for operators and returns the
// uniform verification error.
func (s *TokenService) verificationFailed(detail string, err error) error {
	s.logger.Debug("token verification failed", zap.String("detail", detail), zap.Error(err))
	return appErrors.ErrTokenVerification
}

func containsAudience(audience jwt.ClaimStrings, want string) bool {
	for _, aud := range audience {
		if aud == want {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func generateRefreshTokenValue() (string, error) {
	buf := make([]byte, refreshTokenEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func parseUserAgent(raw string) models.UserAgentInfo {
	info := models.UserAgentInfo{BrowserName: "Unknown", Version: "Unknown", Platform: "Unknown"}
	if raw == "" {
		return info
	}

	ua := useragent.Parse(raw)
	if ua.Name != "" {
		info.BrowserName = ua.Name
	}
	if ua.Version != "" {
		info.Version = ua.Version
	}
	if ua.OS != "" {
		info.Platform = ua.OS
	}
	return info
}
