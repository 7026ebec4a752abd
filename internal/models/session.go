package models

import "time"

// UserAgentInfo is descriptive session metadata parsed from the User-Agent
// header. It is informational only, not a security boundary.
type UserAgentInfo struct {
	BrowserName string `json:"browser_name"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
}

// AccessTokenSession mirrors one signed access token in the cache store. Its
// presence is what makes the token a live session; deleting it revokes the
// token ahead of its own exp claim. Sessions are created at issuance and
// deleted on logout, rotation or invalidation, never mutated in place.
type AccessTokenSession struct {
	UserID          string        `json:"user_id"`
	TokenID         string        `json:"token_id"`
	RefreshToken    string        `json:"refresh_token,omitempty"`
	TokenExpiration time.Time     `json:"token_expiration"`
	TokenDuration   time.Duration `json:"token_duration"`
	UserAgentInfo   UserAgentInfo `json:"user_agent_info"`
}
