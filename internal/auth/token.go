package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token revoked")
)

// Blocklist records revoked token nonces. Uniqueness of the nonce column
// makes RevokeNonce idempotent.
type Blocklist interface {
	IsNonceRevoked(ctx context.Context, nonce string) (bool, error)
	RevokeNonce(ctx context.Context, nonce string, expiresAt time.Time) error
}

// Claims carried by both token kinds. The nonce, not the token string,
// is the revocation key.
type Claims struct {
	Nonce string `json:"token"`
	Kind  string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer mints, verifies and revokes self-contained bearer tokens.
// The only server-side session state is the revocation blocklist, which
// Verify consults on every call.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	blocklist  Blocklist
	now        func() time.Time
}

func NewTokenIssuer(secret string, blocklist Blocklist, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}

	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		blocklist:  blocklist,
		now:        time.Now,
	}
}

func (t *TokenIssuer) AccessTTL() time.Duration  { return t.accessTTL }
func (t *TokenIssuer) RefreshTTL() time.Duration { return t.refreshTTL }

func (t *TokenIssuer) lifetime(kind string) time.Duration {
	if kind == TokenKindRefresh {
		return t.refreshTTL
	}
	return t.accessTTL
}

// Mint signs a fresh token for userID. Every token carries a random
// uuid4 nonce so it can be revoked individually later.
func (t *TokenIssuer) Mint(userID, kind string) (string, error) {
	now := t.now().UTC()
	claims := Claims{
		Nonce: uuid.NewString(),
		Kind:  kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime(kind))),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}

	return signed, nil
}

// Verify checks structure, signature, expiry and revocation, in that
// order. A blocklist lookup failure is a verification failure: a token
// is never honored just because the store could not be reached.
func (t *TokenIssuer) Verify(ctx context.Context, tokenString, kind string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Claims{}, ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrTokenExpired
		default:
			return Claims{}, ErrTokenInvalid
		}
	}

	if claims.Kind != kind || claims.Subject == "" || claims.Nonce == "" {
		return Claims{}, ErrTokenInvalid
	}

	revoked, err := t.blocklist.IsNonceRevoked(ctx, claims.Nonce)
	if err != nil {
		return Claims{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Claims{}, ErrTokenRevoked
	}

	return claims, nil
}

// Revoke records the token's nonce on the blocklist. Expired tokens are
// accepted here: revoking a token that already ran out is harmless and
// must not error. Revoking the same token twice is a no-op.
func (t *TokenIssuer) Revoke(ctx context.Context, tokenString string) error {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, t.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return ErrTokenMalformed
		}
		return ErrTokenInvalid
	}
	if claims.Nonce == "" {
		return ErrTokenInvalid
	}

	expiresAt := t.now().UTC()
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time.UTC()
	}

	if err := t.blocklist.RevokeNonce(ctx, claims.Nonce, expiresAt); err != nil {
		return fmt.Errorf("record revoked nonce: %w", err)
	}

	return nil
}

func (t *TokenIssuer) keyFunc(token *jwt.Token) (any, error) {
	return t.secret, nil
}
