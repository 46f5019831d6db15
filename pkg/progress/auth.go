package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrWalletMissing = errors.New("walletId is required")
	ErrWalletDenied  = errors.New("token does not grant access to wallet")
)

// Claims are the token claims the progress channel understands. WalletID,
// when set, limits the token to one wallet.
type Claims struct {
	WalletID string `json:"walletId,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant access to walletID.
func (c *Claims) Allows(walletID string) bool {
	return c.WalletID == "" || c.WalletID == walletID
}

// TokenVerifier validates a bearer token before a connection is upgraded.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

var _ TokenVerifier = (*JWTVerifier)(nil)

type VerifierOption func(*JWTVerifier)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) VerifierOption {
	return func(v *JWTVerifier) { v.issuer = issuer }
}

// WithLeeway tolerates clock skew on exp and nbf.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *JWTVerifier) { v.leeway = d }
}

// WithTimeFunc replaces the clock used to validate exp and nbf.
func WithTimeFunc(now func() time.Time) VerifierOption {
	return func(v *JWTVerifier) { v.now = now }
}

func NewJWTVerifier(secret []byte, opts ...VerifierOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	v := &JWTVerifier{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify parses token and checks its signature, algorithm, expiry and issuer.
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return claims, nil
}

// Issue signs a token for subject, optionally scoped to walletID. Operators use
// it to mint tokens from the CLI; tests use it to connect.
func (v *JWTVerifier) Issue(subject, walletID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		WalletID: walletID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
