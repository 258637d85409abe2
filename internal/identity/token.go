package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"codequarry/internal/fault"
	"codequarry/internal/logging"
)

// Claims are the JWT claims of an MCP token. The username rides in "sub",
// the credential id in "jti".
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies MCP tokens.
//
// Verification is live: the credential row and the user row are re-read on
// every call, so a revoked credential or a changed role takes effect without
// waiting for the token to expire. The role baked into the claims is a
// snapshot for display only.
type TokenService struct {
	secret   []byte
	lifetime time.Duration
	store    *Store
	logger   *slog.Logger
}

// NewTokenService creates a token service. secret is the server HMAC key
// from home.Secret. A nil logger discards.
func NewTokenService(secret []byte, lifetime time.Duration, store *Store, logger *slog.Logger) *TokenService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TokenService{
		secret:   secret,
		lifetime: lifetime,
		store:    store,
		logger:   logger.With("component", "identity"),
	}
}

// Issue exchanges a credential id and secret for a signed token.
func (ts *TokenService) Issue(ctx context.Context, credentialID, secret string) (string, time.Time, error) {
	user, err := ts.store.VerifyCredentialSecret(ctx, credentialID, secret)
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ts.lifetime)
	claims := Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ID:        credentialID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify validates a token and returns the live user row. An invalid
// signature, an expired token, a revoked credential, and a deleted user all
// report ErrUnauthenticated.
func (ts *TokenService) Verify(ctx context.Context, tokenString string) (*User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %v: %w", err, fault.ErrUnauthenticated)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fault.Wrapf(fault.ErrUnauthenticated, "invalid token claims")
	}

	cred, err := ts.store.GetCredential(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fault.Wrapf(fault.ErrUnauthenticated, "credential %q revoked", claims.ID)
	}
	user, err := ts.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fault.Wrapf(fault.ErrUnauthenticated, "user %q removed", claims.Subject)
	}

	if err := ts.store.TouchCredential(ctx, claims.ID); err != nil {
		ts.logger.Warn("credential touch failed",
			"credential", claims.ID, "code", fault.Code(err), "error", err)
	}
	return user, nil
}
