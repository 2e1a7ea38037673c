package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Credential resolution failures. The admission layer maps these onto
// caller-facing HTTP statuses.
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrInactiveCaller    = errors.New("caller is inactive")
	ErrExpiredCredential = errors.New("credential has expired")
)

// CredentialVerifier resolves a raw credential to a caller identity.
type CredentialVerifier interface {
	Resolve(ctx context.Context, credential string) (*Caller, error)
}

// CallerStore is the storage surface the verifier needs. A nil caller
// with a nil error means the credential is unknown.
type CallerStore interface {
	GetCallerByKeyHash(ctx context.Context, keyHash string) (*Caller, error)
	GetCallerByID(ctx context.Context, id uuid.UUID) (*Caller, error)
}

// Claims are the JWT claims issued by the identity service.
type Claims struct {
	Tier Tier `json:"tier"`
	jwt.RegisteredClaims
}

// Verifier resolves API keys and bearer tokens against a caller store.
type Verifier struct {
	store     CallerStore
	jwtSecret []byte
}

// NewVerifier creates a credential verifier. jwtSecret may be empty, in
// which case bearer tokens are treated as opaque API keys.
func NewVerifier(store CallerStore, jwtSecret []byte) *Verifier {
	return &Verifier{store: store, jwtSecret: jwtSecret}
}

// Resolve resolves a credential to an active caller. JWTs are verified
// and mapped to the caller in their subject claim; anything else is
// looked up as a hashed API key.
func (v *Verifier) Resolve(ctx context.Context, credential string) (*Caller, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	if len(v.jwtSecret) > 0 && strings.Count(credential, ".") == 2 {
		return v.resolveToken(ctx, credential)
	}
	return v.resolveKey(ctx, credential)
}

func (v *Verifier) resolveKey(ctx context.Context, key string) (*Caller, error) {
	caller, err := v.store.GetCallerByKeyHash(ctx, HashKey(key))
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if caller == nil {
		return nil, ErrInvalidCredential
	}
	if !caller.IsActive {
		return nil, ErrInactiveCaller
	}
	return caller, nil
}

func (v *Verifier) resolveToken(ctx context.Context, token string) (*Caller, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, ErrInvalidCredential
	}
	if !parsed.Valid {
		return nil, ErrInvalidCredential
	}

	callerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	caller, err := v.store.GetCallerByID(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("lookup caller: %w", err)
	}
	if caller == nil {
		return nil, ErrInvalidCredential
	}
	if !caller.IsActive {
		return nil, ErrInactiveCaller
	}
	return caller, nil
}

// SignToken issues an HS256 token for a caller. The identity service
// uses this at login; tests use it to mint credentials.
func SignToken(secret []byte, callerID uuid.UUID, tier Tier, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Tier: tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   callerID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ExtractCredential pulls the credential from Authorization or
// X-API-Key style values. bearer is the Authorization header value,
// apiKey the X-API-Key header value; bearer wins when both are set.
func ExtractCredential(bearer, apiKey string) string {
	if bearer != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(bearer, prefix) {
			return strings.TrimSpace(bearer[len(prefix):])
		}
		return ""
	}
	return strings.TrimSpace(apiKey)
}
