package auth

import (
	"fmt"
	"time"
)

// Token is a bearer token issued by the authorization server.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ObtainedAt  time.Time `json:"-"`
}

// ExpiresAt is ObtainedAt plus ExpiresIn.
func (t *Token) ExpiresAt() time.Time {
	return t.ObtainedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	if t.ExpiresIn <= 0 {
		return false
	}
	return !now.Before(t.ExpiresAt())
}

// String never prints more than the first characters of the access token.
func (t *Token) String() string {
	if t == nil {
		return "Token<nil>"
	}
	return fmt.Sprintf("Token{type: %s, access_token: %s, expires_in: %ds}", t.TokenType, mask(t.AccessToken), t.ExpiresIn)
}

func mask(s string) string {
	const visible = 6
	if len(s) <= visible {
		return "***"
	}
	return s[:visible] + "***"
}
