package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/authdemo/authdemo-api/internal/models"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
)

type mockUserMgmt struct {
	byID        map[string]*models.User
	byEmail     map[string]*models.User
	created     []*models.User
	updated     []*models.User
	deactivated []string
}

func newMockUserMgmt(users ...*models.User) *mockUserMgmt {
	m := &mockUserMgmt{byID: map[string]*models.User{}, byEmail: map[string]*models.User{}}
	for _, u := range users {
		m.byID[u.ID] = u
		m.byEmail[u.Email] = u
	}
	return m
}

func (m *mockUserMgmt) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockUserMgmt) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user, ok := m.byEmail[email]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (m *mockUserMgmt) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	var users []models.User
	for _, u := range m.byID {
		users = append(users, *u)
	}
	return users, len(users), nil
}

func (m *mockUserMgmt) Create(ctx context.Context, user *models.User) error {
	user.ID = "generated-id"
	m.created = append(m.created, user)
	return nil
}

func (m *mockUserMgmt) Update(ctx context.Context, user *models.User) error {
	m.updated = append(m.updated, user)
	return nil
}

func (m *mockUserMgmt) Deactivate(ctx context.Context, id string) error {
	m.deactivated = append(m.deactivated, id)
	if u, ok := m.byID[id]; ok {
		u.Active = false
	}
	return nil
}

type mockInvalidator struct {
	invalidated []string
	lastReason  string
}

func (m *mockInvalidator) InvalidateAllSessions(ctx context.Context, userID, reason string) (bool, error) {
	m.invalidated = append(m.invalidated, userID)
	m.lastReason = reason
	return true, nil
}

func (m *mockInvalidator) ListSessions(ctx context.Context, userID string) []models.AccessTokenSession {
	return nil
}

func TestUserCreate(t *testing.T) {
	repo := newMockUserMgmt()
	svc := NewUserService(repo, &mockInvalidator{}, nil, nil, zap.NewNop())

	user, err := svc.Create(context.Background(), models.CreateUserRequest{
		UserName: "bob",
		Email:    "bob@example.com",
		Password: "initial-pass",
	}, "admin-1", "", "")
	require.NoError(t, err)

	assert.Equal(t, models.RoleUser, user.RoleID)
	assert.True(t, user.Active)
	require.Len(t, repo.created, 1)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("initial-pass")))
}

func TestUserCreateRejectsDuplicateEmail(t *testing.T) {
	existing := testUser()
	repo := newMockUserMgmt(existing)
	svc := NewUserService(repo, &mockInvalidator{}, nil, nil, zap.NewNop())

	_, err := svc.Create(context.Background(), models.CreateUserRequest{
		UserName: "imposter",
		Email:    existing.Email,
		Password: "whatever-pass",
	}, "", "", "")
	require.Error(t, err)

	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	assert.Empty(t, repo.created)
}

func TestUserDeactivateSeversSessions(t *testing.T) {
	user := testUser()
	repo := newMockUserMgmt(user)
	invalidator := &mockInvalidator{}
	svc := NewUserService(repo, invalidator, nil, nil, zap.NewNop())

	require.NoError(t, svc.Deactivate(context.Background(), user.ID, "admin-1", "", ""))

	assert.Equal(t, []string{user.ID}, repo.deactivated)
	require.Len(t, invalidator.invalidated, 1)
	assert.Equal(t, user.ID, invalidator.invalidated[0])
	assert.Equal(t, models.ReasonUserDeactivated, invalidator.lastReason)
	assert.False(t, user.Active)
}

func TestUserDeactivateUnknown(t *testing.T) {
	svc := NewUserService(newMockUserMgmt(), &mockInvalidator{}, nil, nil, zap.NewNop())
	err := svc.Deactivate(context.Background(), "ghost", "", "", "")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestUserUpdateFlippingInactiveSeversSessions(t *testing.T) {
	user := testUser()
	repo := newMockUserMgmt(user)
	invalidator := &mockInvalidator{}
	svc := NewUserService(repo, invalidator, nil, nil, zap.NewNop())

	inactive := false
	_, err := svc.Update(context.Background(), user.ID, models.UpdateUserRequest{Active: &inactive}, "admin-1", "", "")
	require.NoError(t, err)

	require.Len(t, invalidator.invalidated, 1)
	assert.Equal(t, models.ReasonUserDeactivated, invalidator.lastReason)
}

func TestUserUpdateKeepingActiveDoesNotInvalidate(t *testing.T) {
	user := testUser()
	repo := newMockUserMgmt(user)
	invalidator := &mockInvalidator{}
	svc := NewUserService(repo, invalidator, nil, nil, zap.NewNop())

	name := "renamed"
	_, err := svc.Update(context.Background(), user.ID, models.UpdateUserRequest{UserName: &name}, "admin-1", "", "")
	require.NoError(t, err)

	assert.Empty(t, invalidator.invalidated)
	assert.Equal(t, "renamed", user.UserName)
}

// Deactivation against the real token service: issued tokens must stop
// passing the live-session check and their refresh tokens must be revoked.
func TestDeactivationScenario(t *testing.T) {
	user := testUser()

	tokenRepo := newMockTokenRepo()
	sessionStore := newMockSessionStore()
	reader := &mockUserReader{users: map[string]*models.User{user.ID: user}}
	tokenSvc := newTestTokenService(tokenRepo, sessionStore, reader)

	repo := newMockUserMgmt(user)
	userSvc := NewUserService(repo, tokenSvc, nil, nil, zap.NewNop())

	pair, err := tokenSvc.IssueTokens(context.Background(), user, "")
	require.NoError(t, err)
	claims, err := tokenSvc.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, userSvc.Deactivate(context.Background(), user.ID, "admin-1", "", ""))

	live, err := tokenSvc.IsAccessTokenLive(context.Background(), claims.RegisteredClaims.ID, user.ID)
	require.NoError(t, err)
	assert.False(t, live)

	_, err = tokenSvc.VerifyAndRotate(context.Background(), pair.AccessToken, pair.RefreshToken, "")
	assert.ErrorIs(t, err, appErrors.ErrTokenVerification)
}
