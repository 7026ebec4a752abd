package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/authdemo/authdemo-api/internal/models"
	appErrors "github.com/authdemo/authdemo-api/pkg/errors"
)

type userManagementRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	Deactivate(ctx context.Context, id string) error
}

type sessionInvalidator interface {
	InvalidateAllSessions(ctx context.Context, userID, reason string) (bool, error)
	ListSessions(ctx context.Context, userID string) []models.AccessTokenSession
}

// UserService implements administrative user management. Deactivation is the
// only removal path; it also severs every live session of the user.
type UserService struct {
	users     userManagementRepository
	sessions  sessionInvalidator
	audit     *AuditService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService constructs a UserService instance.
func NewUserService(users userManagementRepository, sessions sessionInvalidator, audit *AuditService, validate *validator.Validate, logger *zap.Logger) *UserService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{users: users, sessions: sessions, audit: audit, validator: validate, logger: logger}
}

// Get returns one user by id.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up user")
	}
	return user, nil
}

// List returns users matching the filter plus pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	users, total, err := s.users.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	return users, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Create provisions a new active user.
func (s *UserService) Create(ctx context.Context, req models.CreateUserRequest, actorID, ip, userAgent string) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}

	if existing, err := s.users.FindByEmail(ctx, req.Email); err == nil && existing != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	} else if err != nil && !isNotFound(err) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	roleID := req.RoleID
	if roleID == 0 {
		roleID = models.RoleUser
	}

	user := &models.User{
		UserName:     req.UserName,
		Email:        req.Email,
		PasswordHash: string(hash),
		RoleID:       roleID,
		Active:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.recordAudit(actorID, models.AuditActionUserCreate, user.ID,
		map[string]interface{}{"user_name": user.UserName, "email": user.Email, "role_id": user.RoleID}, ip, userAgent)

	return user, nil
}

// Update applies the non-nil fields of the request to the user.
func (s *UserService) Update(ctx context.Context, id string, req models.UpdateUserRequest, actorID, ip, userAgent string) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid user payload")
	}

	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up user")
	}

	if req.UserName != nil {
		user.UserName = *req.UserName
	}
	if req.RoleID != nil {
		user.RoleID = *req.RoleID
	}
	if req.Active != nil {
		user.Active = *req.Active
	}

	if err := s.users.Update(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}

	// Flipping a user inactive through update severs sessions the same way an
	// explicit deactivation does.
	if req.Active != nil && !*req.Active {
		if _, err := s.sessions.InvalidateAllSessions(ctx, user.ID, models.ReasonUserDeactivated); err != nil {
			return nil, err
		}
	}

	s.recordAudit(actorID, models.AuditActionUserUpdate, user.ID, req, ip, userAgent)
	return user, nil
}

// Deactivate soft-deletes the user and kills every live session. The cached
// sessions go first so no freshly checked bearer token survives the call, then
// the refresh chain is closed durably.
func (s *UserService) Deactivate(ctx context.Context, id, actorID, ip, userAgent string) error {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up user")
	}

	if err := s.users.Deactivate(ctx, user.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
	}

	if _, err := s.sessions.InvalidateAllSessions(ctx, user.ID, models.ReasonUserDeactivated); err != nil {
		return err
	}

	s.recordAudit(actorID, models.AuditActionUserDeactivate, user.ID, nil, ip, userAgent)
	return nil
}

// SessionsOf lists another user's live sessions for administrative review.
func (s *UserService) SessionsOf(ctx context.Context, userID string) []models.AccessTokenSession {
	return s.sessions.ListSessions(ctx, userID)
}

// InvalidateSessions force-kills every session of the user on admin request.
func (s *UserService) InvalidateSessions(ctx context.Context, userID, actorID, ip, userAgent string) error {
	if _, err := s.sessions.InvalidateAllSessions(ctx, userID, models.ReasonAdminInvalidated); err != nil {
		return err
	}
	s.recordAudit(actorID, models.AuditActionTokenRevoke, userID, nil, ip, userAgent)
	return nil
}

func (s *UserService) recordAudit(actorID, action, resourceID string, values interface{}, ip, userAgent string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(AuditEntry{
		UserID:     actorID,
		Action:     action,
		Resource:   "user",
		ResourceID: resourceID,
		NewValues:  values,
		IPAddress:  ip,
		UserAgent:  userAgent,
	})
}
