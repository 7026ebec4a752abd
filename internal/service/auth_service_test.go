package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/authdemo/authdemo-api/internal/models"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
)

type mockAuthUsers struct {
	byEmail          map[string]*models.User
	byID             map[string]*models.User
	lastLoginUpdated bool
	passwordUpdated  string
	emailUpdated     string
}

func (m *mockAuthUsers) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user, ok := m.byEmail[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockAuthUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockAuthUsers) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.lastLoginUpdated = true
	return nil
}

func (m *mockAuthUsers) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	m.passwordUpdated = passwordHash
	return nil
}

func (m *mockAuthUsers) UpdateEmail(ctx context.Context, id, email string, updatedAt time.Time) error {
	m.emailUpdated = email
	return nil
}

type mockLifecycle struct {
	issued            int
	rotated           int
	invalidatedAll    []string
	loggedOut         []string
	issueErr          error
	rotateErr         error
	invalidateAllErr  error
	logoutErr         error
	lastInvalidReason string
}

func (m *mockLifecycle) IssueTokens(ctx context.Context, user *models.User, userAgent string) (*TokenPair, error) {
	if m.issueErr != nil {
		return nil, m.issueErr
	}
	m.issued++
	return &TokenPair{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 900, IssuedAt: time.Now().UTC()}, nil
}

func (m *mockLifecycle) VerifyAndRotate(ctx context.Context, accessToken, refreshToken, userAgent string) (*TokenPair, error) {
	if m.rotateErr != nil {
		return nil, m.rotateErr
	}
	m.rotated++
	return &TokenPair{AccessToken: "access2", RefreshToken: "refresh2", ExpiresIn: 900, IssuedAt: time.Now().UTC()}, nil
}

func (m *mockLifecycle) InvalidateAllSessions(ctx context.Context, userID, reason string) (bool, error) {
	if m.invalidateAllErr != nil {
		return false, m.invalidateAllErr
	}
	m.invalidatedAll = append(m.invalidatedAll, userID)
	m.lastInvalidReason = reason
	return true, nil
}

func (m *mockLifecycle) InvalidateOnLogout(ctx context.Context, accessTokenID, userID, reason string) (bool, error) {
	if m.logoutErr != nil {
		return false, m.logoutErr
	}
	m.loggedOut = append(m.loggedOut, accessTokenID)
	return true, nil
}

func (m *mockLifecycle) ListSessions(ctx context.Context, userID string) []models.AccessTokenSession {
	return nil
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newAuthFixture(t *testing.T, user *models.User) (*AuthService, *mockAuthUsers, *mockLifecycle) {
	users := &mockAuthUsers{byEmail: map[string]*models.User{}, byID: map[string]*models.User{}}
	if user != nil {
		users.byEmail[user.Email] = user
		users.byID[user.ID] = user
	}
	lifecycle := &mockLifecycle{}
	svc := NewAuthService(users, lifecycle, nil, nil, zap.NewNop())
	return svc, users, lifecycle
}

func TestLoginSuccess(t *testing.T) {
	user := testUser()
	user.PasswordHash = hashPassword(t, "s3cret-pass")
	svc, users, lifecycle := newAuthFixture(t, user)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "s3cret-pass"})
	require.NoError(t, err)
	assert.Equal(t, "access", res.AccessToken)
	assert.Equal(t, user.ID, res.User.ID)
	assert.Equal(t, 1, lifecycle.issued)
	assert.True(t, users.lastLoginUpdated)
}

func TestLoginFailures(t *testing.T) {
	user := testUser()
	user.PasswordHash = hashPassword(t, "s3cret-pass")

	t.Run("unknown email", func(t *testing.T) {
		svc, _, _ := newAuthFixture(t, user)
		_, err := svc.Login(context.Background(), models.LoginRequest{Email: "nobody@example.com", Password: "s3cret-pass"})
		assert.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
	})

	t.Run("wrong password", func(t *testing.T) {
		svc, _, lifecycle := newAuthFixture(t, user)
		_, err := svc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "wrong"})
		assert.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
		assert.Zero(t, lifecycle.issued)
	})

	t.Run("inactive account", func(t *testing.T) {
		inactive := testUser()
		inactive.PasswordHash = hashPassword(t, "s3cret-pass")
		inactive.Active = false
		svc, _, _ := newAuthFixture(t, inactive)
		_, err := svc.Login(context.Background(), models.LoginRequest{Email: inactive.Email, Password: "s3cret-pass"})
		assert.ErrorIs(t, err, appErrors.ErrInactiveAccount)
	})

	t.Run("missing fields", func(t *testing.T) {
		svc, _, _ := newAuthFixture(t, user)
		_, err := svc.Login(context.Background(), models.LoginRequest{Email: user.Email})
		require.Error(t, err)
		var appErr *appErrors.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	})
}

func TestRefreshDelegates(t *testing.T) {
	svc, _, lifecycle := newAuthFixture(t, nil)

	res, err := svc.Refresh(context.Background(), models.RefreshTokenRequest{AccessToken: "a", RefreshToken: "r"})
	require.NoError(t, err)
	assert.Equal(t, "access2", res.AccessToken)
	assert.Equal(t, 1, lifecycle.rotated)

	lifecycle.rotateErr = appErrors.ErrTokenVerification
	_, err = svc.Refresh(context.Background(), models.RefreshTokenRequest{AccessToken: "a", RefreshToken: "r"})
	assert.ErrorIs(t, err, appErrors.ErrTokenVerification)
}

func TestLogoutDelegates(t *testing.T) {
	user := testUser()
	svc, _, lifecycle := newAuthFixture(t, user)

	require.NoError(t, svc.Logout(context.Background(), user.ID, "jti-1", "127.0.0.1", "test-agent"))
	assert.Equal(t, []string{"jti-1"}, lifecycle.loggedOut)

	lifecycle.logoutErr = errors.New("store down")
	assert.Error(t, svc.Logout(context.Background(), user.ID, "jti-2", "127.0.0.1", "test-agent"))
}

func TestChangePasswordInvalidatesAllSessions(t *testing.T) {
	user := testUser()
	user.PasswordHash = hashPassword(t, "old-password")
	svc, users, lifecycle := newAuthFixture(t, user)

	err := svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{
		OldPassword: "old-password",
		NewPassword: "brand-new-password",
	}, "", "")
	require.NoError(t, err)

	assert.NotEmpty(t, users.passwordUpdated)
	require.Len(t, lifecycle.invalidatedAll, 1)
	assert.Equal(t, user.ID, lifecycle.invalidatedAll[0])
	assert.Equal(t, models.ReasonPasswordChanged, lifecycle.lastInvalidReason)
}

func TestChangePasswordRejectsWrongCurrent(t *testing.T) {
	user := testUser()
	user.PasswordHash = hashPassword(t, "old-password")
	svc, users, lifecycle := newAuthFixture(t, user)

	err := svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{
		OldPassword: "not-the-password",
		NewPassword: "brand-new-password",
	}, "", "")
	assert.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
	assert.Empty(t, users.passwordUpdated)
	assert.Empty(t, lifecycle.invalidatedAll)
}

func TestChangeEmailInvalidatesAllSessions(t *testing.T) {
	user := testUser()
	user.PasswordHash = hashPassword(t, "s3cret-pass")
	svc, users, lifecycle := newAuthFixture(t, user)

	err := svc.ChangeEmail(context.Background(), user.ID, models.ChangeEmailRequest{
		Password: "s3cret-pass",
		NewEmail: "new@example.com",
	}, "", "")
	require.NoError(t, err)

	assert.Equal(t, "new@example.com", users.emailUpdated)
	require.Len(t, lifecycle.invalidatedAll, 1)
	assert.Equal(t, models.ReasonEmailChanged, lifecycle.lastInvalidReason)
}

// End-to-end walk of the lifecycle against the real token service: login,
// rotate, logout, then verify the rotated pair is dead too.
func TestLoginRotateLogoutScenario(t *testing.T) {
	user := testUser()
	user.PasswordHash = hashPassword(t, "s3cret-pass")

	tokenRepo := newMockTokenRepo()
	sessionStore := newMockSessionStore()
	reader := &mockUserReader{users: map[string]*models.User{user.ID: user}}
	tokenSvc := newTestTokenService(tokenRepo, sessionStore, reader)

	users := &mockAuthUsers{
		byEmail: map[string]*models.User{user.Email: user},
		byID:    map[string]*models.User{user.ID: user},
	}
	authSvc := NewAuthService(users, tokenSvc, nil, nil, zap.NewNop())

	login, err := authSvc.Login(context.Background(), models.LoginRequest{Email: user.Email, Password: "s3cret-pass"})
	require.NoError(t, err)

	rotated, err := authSvc.Refresh(context.Background(), models.RefreshTokenRequest{
		AccessToken:  login.AccessToken,
		RefreshToken: login.RefreshToken,
	})
	require.NoError(t, err)

	claims, err := tokenSvc.ValidateAccessToken(rotated.AccessToken)
	require.NoError(t, err)

	require.NoError(t, authSvc.Logout(context.Background(), user.ID, claims.RegisteredClaims.ID, "", ""))

	live, err := tokenSvc.IsAccessTokenLive(context.Background(), claims.RegisteredClaims.ID, user.ID)
	require.NoError(t, err)
	assert.False(t, live)

	// The rotated refresh token died with the logout; replaying either pair
	// fails uniformly.
	_, err = authSvc.Refresh(context.Background(), models.RefreshTokenRequest{
		AccessToken:  rotated.AccessToken,
		RefreshToken: rotated.RefreshToken,
	})
	assert.ErrorIs(t, err, appErrors.ErrTokenVerification)

	_, err = authSvc.Refresh(context.Background(), models.RefreshTokenRequest{
		AccessToken:  login.AccessToken,
		RefreshToken: login.RefreshToken,
	})
	assert.ErrorIs(t, err, appErrors.ErrTokenVerification)
}
