// Package auth provides credential verification and caller identity for
// the gateway. Callers authenticate with an API key or a bearer token;
// the resolved identity carries the tier, quota and rate-limit settings
// that admission control enforces.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tier is a caller subscription tier. Tiers are ordered:
// Free < Pro < Enterprise < Admin.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// tierRank orders tiers for permission checks.
var tierRank = map[Tier]int{
	TierFree:       0,
	TierPro:        1,
	TierEnterprise: 2,
	TierAdmin:      3,
}

// RequestLimit returns the default request limit per rate-limit window
// for the tier.
func (t Tier) RequestLimit() int {
	switch t {
	case TierPro:
		return 1000
	case TierEnterprise:
		return 5000
	case TierAdmin:
		return 10000
	default:
		return 100
	}
}

// AtLeast reports whether the tier grants the permissions of required.
func (t Tier) AtLeast(required Tier) bool {
	return tierRank[t] >= tierRank[required]
}

// Caller is an identity resolved from a credential. Callers are created
// and updated by the identity service; the gateway core treats them as
// read-only.
type Caller struct {
	ID                uuid.UUID  `json:"id"`
	WalletAddress     string     `json:"wallet_address"`
	KeyHash           string     `json:"-"` // Never expose hash
	Email             *string    `json:"email,omitempty"`
	Username          *string    `json:"username,omitempty"`
	Tier              Tier       `json:"tier"`
	MonthlyLimit      *int64     `json:"monthly_limit,omitempty"`
	RateLimitOverride *int       `json:"rate_limit_override,omitempty"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastLogin         *time.Time `json:"last_login,omitempty"`
}

// IsAdmin reports whether the caller has the admin tier.
func (c *Caller) IsAdmin() bool {
	return c.Tier == TierAdmin
}

// EffectiveRateLimit returns the request limit to enforce for a caller
// against a resource. A caller-specific override wins outright;
// otherwise the more restrictive of the tier limit and the resource
// limit applies.
func EffectiveRateLimit(c *Caller, resourceLimit *int) int {
	if c.RateLimitOverride != nil {
		return *c.RateLimitOverride
	}

	limit := c.Tier.RequestLimit()
	if resourceLimit != nil && *resourceLimit < limit {
		limit = *resourceLimit
	}
	return limit
}

// AuthContext holds authentication information for a request.
type AuthContext struct {
	Caller    *Caller
	RequestID string
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// authContextKey is the context key for AuthContext.
const authContextKey contextKey = "auth"

// ContextWithAuth adds an AuthContext to the context.
func ContextWithAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// GetAuthContext retrieves the AuthContext from the request context.
func GetAuthContext(ctx context.Context) *AuthContext {
	if ac, ok := ctx.Value(authContextKey).(*AuthContext); ok {
		return ac
	}
	return nil
}
