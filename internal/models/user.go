package models

import "time"

// Role identifiers carried in the role_id claim. The role table itself is
// seeded by scripts/schema.sql.
const (
	RoleAdmin int64 = 1
	RoleUser  int64 = 2
)

// User represents an application user stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	UserName     string     `db:"user_name" json:"user_name"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	RoleID       int64      `db:"role_id" json:"role_id"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// CreateUserRequest payload for provisioning a user.
type CreateUserRequest struct {
	UserName string `json:"user_name" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	RoleID   int64  `json:"role_id" validate:"omitempty,oneof=1 2"`
}

// UpdateUserRequest payload for mutating a user. Nil fields are untouched.
type UpdateUserRequest struct {
	UserName *string `json:"user_name" validate:"omitempty,min=3,max=64"`
	RoleID   *int64  `json:"role_id" validate:"omitempty,oneof=1 2"`
	Active   *bool   `json:"active"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	RoleID   *int64
	Active   *bool
	Search   string
	Page     int
	PageSize int
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
