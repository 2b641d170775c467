package models

import "time"

// Permission granted to an ephemeral stream token.
type Permission string

const PermissionRead Permission = "read"

// Token is an ephemeral, scope restricted stream credential.
type Token struct {
	Token       string       `json:"token"`
	Scope       string       `json:"scope"`
	PrincipalID string       `json:"user_id"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// IsExpired reports whether the token expired at or before now.
func (t Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// HasPermission reports whether p was granted.
func (t Token) HasPermission(p Permission) bool {
	for _, granted := range t.Permissions {
		if granted == p {
			return true
		}
	}

	return false
}
