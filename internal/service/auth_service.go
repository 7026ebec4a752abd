package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/authdemo/authdemo-api/internal/models"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
)

type userAccountRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
	UpdateEmail(ctx context.Context, id, email string, updatedAt time.Time) error
}

type tokenLifecycle interface {
	IssueTokens(ctx context.Context, user *models.User, userAgent string) (*TokenPair, error)
	VerifyAndRotate(ctx context.Context, accessToken, refreshToken, userAgent string) (*TokenPair, error)
	InvalidateAllSessions(ctx context.Context, userID, reason string) (bool, error)
	InvalidateOnLogout(ctx context.Context, accessTokenID, userID, reason string) (bool, error)
	ListSessions(ctx context.Context, userID string) []models.AccessTokenSession
}

// AuthService implements credential verification and the session-facing
// operations built on top of the token lifecycle.
type AuthService struct {
	users     userAccountRepository
	tokens    tokenLifecycle
	audit     *AuditService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users userAccountRepository, tokens tokenLifecycle, audit *AuditService, validate *validator.Validate, logger *zap.Logger) *AuthService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{users: users, tokens: tokens, audit: audit, validator: validate, logger: logger}
}

// Login verifies credentials and issues a token pair. Unknown emails and bad
// passwords return the same error.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if isNotFound(err) {
			return nil, appErrors.ErrInvalidCredentials
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.ErrInvalidCredentials
	}
	if !user.Active {
		return nil, appErrors.ErrInactiveAccount
	}

	pair, err := s.tokens.IssueTokens(ctx, user, req.UserAgent)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to record last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	s.recordAudit(user.ID, models.AuditActionLogin, "session", "", nil, req.IP, req.UserAgent)

	return &models.LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		IssuedAt:     pair.IssuedAt,
		User: models.UserInfo{
			ID:       user.ID,
			UserName: user.UserName,
			Email:    user.Email,
			RoleID:   user.RoleID,
		},
	}, nil
}

// Refresh exchanges an access/refresh pair for a fresh one.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.RefreshTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	pair, err := s.tokens.VerifyAndRotate(ctx, req.AccessToken, req.RefreshToken, req.UserAgent)
	if err != nil {
		return nil, err
	}

	s.recordAudit("", models.AuditActionTokenRotate, "refresh_token", "", nil, req.IP, req.UserAgent)

	return &models.RefreshTokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		IssuedAt:     pair.IssuedAt,
	}, nil
}

// Logout ends the caller's current session. Logging out twice is not an
// error.
func (s *AuthService) Logout(ctx context.Context, userID, accessTokenID, ip, userAgent string) error {
	if _, err := s.tokens.InvalidateOnLogout(ctx, accessTokenID, userID, models.ReasonLogout); err != nil {
		return err
	}

	s.recordAudit(userID, models.AuditActionLogout, "session", accessTokenID, nil, ip, userAgent)
	return nil
}

// ChangePassword verifies the current password, stores the new hash and kills
// every live session of the user. The caller must log in again.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest, ip, userAgent string) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return appErrors.ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.users.UpdatePassword(ctx, userID, string(hash), time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if _, err := s.tokens.InvalidateAllSessions(ctx, userID, models.ReasonPasswordChanged); err != nil {
		return err
	}

	s.recordAudit(userID, models.AuditActionPasswordChange, "user", userID, nil, ip, userAgent)
	return nil
}

// ChangeEmail verifies the password, updates the address and kills every live
// session, since issued tokens embed the old email.
func (s *AuthService) ChangeEmail(ctx context.Context, userID string, req models.ChangeEmailRequest, ip, userAgent string) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return appErrors.ErrInvalidCredentials
	}

	if err := s.users.UpdateEmail(ctx, userID, req.NewEmail, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update email")
	}

	if _, err := s.tokens.InvalidateAllSessions(ctx, userID, models.ReasonEmailChanged); err != nil {
		return err
	}

	s.recordAudit(userID, models.AuditActionEmailChange, "user", userID,
		map[string]string{"email": req.NewEmail}, ip, userAgent)
	return nil
}

// Me returns profile info for the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up user")
	}

	return &models.UserInfo{
		ID:       user.ID,
		UserName: user.UserName,
		Email:    user.Email,
		RoleID:   user.RoleID,
	}, nil
}

// Sessions lists the caller's live sessions.
func (s *AuthService) Sessions(ctx context.Context, userID string) []models.AccessTokenSession {
	return s.tokens.ListSessions(ctx, userID)
}

func (s *AuthService) recordAudit(userID, action, resource, resourceID string, values interface{}, ip, userAgent string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(AuditEntry{
		UserID:     userID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		NewValues:  values,
		IPAddress:  ip,
		UserAgent:  userAgent,
	})
}
