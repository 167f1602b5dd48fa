// Package token issues and verifies the signed redemption tokens handed to
// storage providers. Tokens are JWTs carrying the credit height reached by the
// deposit that minted them.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/punchamoorthee/creditledger/internal/height"
)

var (
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrIssuerMismatch   = errors.New("token issuer mismatch")
	ErrZeroHeight       = errors.New("token height must be positive")
)

// Claims is the payload of a redemption token.
type Claims struct {
	Height height.Height `json:"height"`
	jwt.RegisteredClaims
}

// SubjectID is the public id of the RedemptionToken row.
func (c *Claims) SubjectID() string { return c.Subject }

type Codec struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	now       func() time.Time
}

type Option func(*Codec)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewHMAC returns an HS256 codec over a shared secret.
func NewHMAC(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: HMAC secret must not be empty")
	}
	return build(jwt.SigningMethodHS256, secret, secret, opts), nil
}

// NewRSA returns an RS256 codec. Verification uses the public half of key.
func NewRSA(key *rsa.PrivateKey, opts ...Option) (*Codec, error) {
	if key == nil {
		return nil, errors.New("token: RSA key required")
	}
	return build(jwt.SigningMethodRS256, key, &key.PublicKey, opts), nil
}

// ParseRSAKey decodes a PEM encoded PKCS#1 or PKCS#8 private key.
func ParseRSAKey(pem []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("token: parse RSA key: %w", err)
	}
	return key, nil
}

func build(method jwt.SigningMethod, sign, verify any, opts []Option) *Codec {
	c := &Codec{method: method, signKey: sign, verifyKey: verify, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue signs a token for subjectID. The height must be positive.
func (c *Codec) Issue(subjectID, issuer string, issuedAt, expiresAt time.Time, h height.Height) (string, error) {
	if h.IsZero() {
		return "", ErrZeroHeight
	}
	if strings.TrimSpace(subjectID) == "" {
		return "", errors.New("token: subject required")
	}
	if !expiresAt.After(issuedAt) {
		return "", errors.New("token: expiry must be after issue time")
	}
	claims := Claims{
		Height: h,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.signKey)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry and issuer, in that order of precedence
// for the returned error.
func (c *Codec) Verify(raw, expectedIssuer string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return c.verifyKey, nil
	},
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed),
			errors.Is(err, jwt.ErrTokenSignatureInvalid),
			errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrIssuerMismatch
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	}
	if claims.Height.IsZero() {
		return nil, ErrZeroHeight
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidSignature)
	}
	return claims, nil
}
