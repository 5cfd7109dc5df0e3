package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Namespace string

const (
	NamespaceIdentity Namespace = "identity"
	NamespaceQR       Namespace = "qr"
)

var (
	ErrMalformed        = errors.New("token malformed")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrWrongNamespace   = errors.New("token issued for another namespace")
)

// Claims is implemented by the payload types this package signs.
type Claims interface {
	jwt.Claims
	registered() *jwt.RegisteredClaims
}

type IdentityClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func (c *IdentityClaims) registered() *jwt.RegisteredClaims { return &c.RegisteredClaims }

type QRClaims struct {
	SessionID string `json:"sid"`
	Nonce     string `json:"nonce"`
	jwt.RegisteredClaims
}

func (c *QRClaims) registered() *jwt.RegisteredClaims { return &c.RegisteredClaims }

func (c *QRClaims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

func (c *QRClaims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Codec signs and verifies HS256 tokens for one namespace. The namespace is
// bound through its own key and the audience claim.
type Codec struct {
	namespace Namespace
	secret    []byte
	issuer    string
	now       func() time.Time
}

type Option func(*Codec)

func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func NewCodec(namespace Namespace, secret, issuer string, opts ...Option) (*Codec, error) {
	if namespace == "" {
		return nil, errors.New("token namespace required")
	}
	if secret == "" {
		return nil, errors.New("token secret required")
	}
	c := &Codec{
		namespace: namespace,
		secret:    []byte(secret),
		issuer:    issuer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) Namespace() Namespace {
	return c.namespace
}

// Issue stamps iat/exp/aud/iss onto claims and returns the signed token.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := c.now().UTC()
	rc := claims.registered()
	rc.Issuer = c.issuer
	rc.Audience = jwt.ClaimStrings{string(c.namespace)}
	rc.IssuedAt = jwt.NewNumericDate(now)
	rc.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if rc.ID == "" {
		rc.ID = uuid.NewString()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify parses raw into claims and reports one of the package errors on
// failure.
func (c *Codec) Verify(raw string, claims Claims) error {
	if raw == "" {
		return ErrMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(string(c.namespace)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return mapError(err)
	}
	if !token.Valid {
		return ErrInvalidSignature
	}
	return nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidAudience), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrWrongNamespace
	default:
		return ErrMalformed
	}
}
