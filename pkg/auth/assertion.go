package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	fterrors "github.com/firetree/firetree/internal/errors"
)

const (
	// TokenEndpoint is the authorization server the assertion is exchanged at.
	TokenEndpoint = "https://www.googleapis.com/oauth2/v4/token"

	// DefaultScope is what a database client needs.
	DefaultScope = "https://www.googleapis.com/auth/firebase.database https://www.googleapis.com/auth/userinfo.email"

	// AssertionLifetime is fixed by the authorization server.
	AssertionLifetime = 1800 * time.Second
)

// Claims is the payload of a service-account assertion.
type Claims struct {
	Issuer    string `json:"iss"`
	Scope     string `json:"scope"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// NewClaims stamps issuedAt with now and expiresAt thirty minutes later.
func NewClaims(serviceAccount, scope, audience string, now time.Time) Claims {
	iat := now.Unix()
	return Claims{
		Issuer:    serviceAccount,
		Scope:     scope,
		Audience:  audience,
		IssuedAt:  iat,
		ExpiresAt: iat + int64(AssertionLifetime/time.Second),
	}
}

// GetExpirationTime implements jwt.Claims.
func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}

// GetIssuedAt implements jwt.Claims.
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

// GetNotBefore implements jwt.Claims. Assertions carry no nbf.
func (c Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }

// GetIssuer implements jwt.Claims.
func (c Claims) GetIssuer() (string, error) { return c.Issuer, nil }

// GetSubject implements jwt.Claims. Assertions carry no sub.
func (c Claims) GetSubject() (string, error) { return "", nil }

// GetAudience implements jwt.Claims.
func (c Claims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Audience}, nil
}

// Sign produces the dotted RS256 assertion for claims.
func Sign(claims Claims, privateKeyPEM []byte) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return "", fterrors.New(fterrors.KindInvalidPrivateKey, "sign", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fterrors.New(fterrors.KindSigningFailure, "sign", err)
	}
	return signed, nil
}

// Verify checks an assertion's signature and expiry against now and returns its claims.
func Verify(assertion string, publicKey *rsa.PublicKey, now time.Time) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(assertion, &claims, func(t *jwt.Token) (interface{}, error) {
		return publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("verify assertion: %w", err)
	}
	return claims, nil
}

// PublicKeyFromPEM accepts either an RSA private key or public key PEM and
// returns the public half.
func PublicKeyFromPEM(data []byte) (*rsa.PublicKey, error) {
	if priv, err := jwt.ParseRSAPrivateKeyFromPEM(data); err == nil {
		return &priv.PublicKey, nil
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fterrors.New(fterrors.KindInvalidPrivateKey, "public key", err)
	}
	return pub, nil
}

// Signer builds a fresh assertion on each call. Clock defaults to time.Now.
type Signer struct {
	Credentials Credentials
	Scope       string
	Audience    string
	Clock       func() time.Time
}

// NewSigner returns a signer with the default scope, the default token
// endpoint as audience and the wall clock.
func NewSigner(creds Credentials) *Signer {
	return &Signer{
		Credentials: creds,
		Scope:       DefaultScope,
		Audience:    TokenEndpoint,
		Clock:       time.Now,
	}
}

// Claims returns the claims a call to Assertion would sign right now.
func (s *Signer) Claims() Claims {
	now := time.Now
	if s.Clock != nil {
		now = s.Clock
	}
	return NewClaims(s.Credentials.ServiceAccount, s.Scope, s.Audience, now())
}

// Assertion signs a fresh set of claims stamped with the signer's clock.
func (s *Signer) Assertion() (string, error) {
	return Sign(s.Claims(), s.Credentials.PrivateKeyPEM)
}
