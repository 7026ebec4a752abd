package models

import "time"

// Revocation reasons attached when refresh tokens are force-revoked.
const (
	ReasonLogout           = "User logout"
	ReasonPasswordChanged  = "Password changed"
	ReasonEmailChanged     = "Email changed"
	ReasonUserDeactivated  = "User deactivated"
	ReasonOrphanedSession  = "Session registration failed"
	ReasonAdminInvalidated = "Invalidated by administrator"
)

// RefreshToken is the durable record of one link in a refresh chain. Records
// are never deleted; rotation sets ReplacedByToken and revocation sets
// RevokedAt/ReasonRevoked, so the chain doubles as an audit trail.
type RefreshToken struct {
	ID              string     `db:"id" json:"id"`
	UserID          string     `db:"user_id" json:"user_id"`
	AccessTokenID   string     `db:"access_token_id" json:"access_token_id"`
	Token           string     `db:"token" json:"token"`
	ExpiresAt       time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	RevokedAt       *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	ReasonRevoked   *string    `db:"reason_revoked" json:"reason_revoked,omitempty"`
	ReplacedByToken *string    `db:"replaced_by_token" json:"replaced_by_token,omitempty"`
}

// IsExpired reports whether the token's lifetime has elapsed.
func (t *RefreshToken) IsExpired() bool {
	return !time.Now().UTC().Before(t.ExpiresAt)
}

// IsRevoked reports whether the token was force-revoked.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsActive reports whether the token can still be exchanged. A rotated token
// is not active even though it was never explicitly revoked.
func (t *RefreshToken) IsActive() bool {
	return !t.IsRevoked() && !t.IsExpired() && t.ReplacedByToken == nil
}
