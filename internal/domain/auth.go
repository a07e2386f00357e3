package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims — содержимое RS256 токена оператора/агента.
// OrgID + AccountID определяют, чьи гардианы и счётчики используются.
type CustomClaims struct {
	UserID    string          `json:"user_id"`
	OrgID     string          `json:"org_id"`
	AccountID string          `json:"account_id"`
	Scopes    map[string]bool `json:"scopes"` // "guardians.write": true, "actions.submit": true
	jwt.RegisteredClaims
}

// Scopes, которые проверяет консоль.
const (
	ScopeGuardiansWrite = "guardians.write"
	ScopeActionsSubmit  = "actions.submit"
	ScopeAdmin          = "admin"
)

// Allows: admin разрешает всё.
func (c *CustomClaims) Allows(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}
