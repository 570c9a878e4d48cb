package emulator

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/firetree/firetree/pkg/auth"
)

func (s *Server) handleToken(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	if grant := c.Request.PostForm.Get("grant_type"); grant != auth.GrantType {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type", "error_description": "grant_type " + grant})
		return
	}

	if s.config.PublicKey == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant", "error_description": "no verification key configured"})
		return
	}

	claims, err := auth.Verify(c.Request.PostForm.Get("assertion"), s.config.PublicKey, s.now())
	if err != nil {
		s.logger.WarnWithContext(c.Request.Context(), "assertion rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant", "error_description": err.Error()})
		return
	}
	if s.config.ServiceAccount != "" && claims.Issuer != s.config.ServiceAccount {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant", "error_description": "unknown issuer"})
		return
	}
	if strings.TrimSpace(claims.Scope) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope", "error_description": "empty scope"})
		return
	}

	token := s.IssueToken()
	s.logger.InfoWithContext(c.Request.Context(), "token issued", "issuer", claims.Issuer)
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(s.config.TokenTTL.Seconds()),
	})
}

// IssueToken mints an access token valid for the configured TTL.
func (s *Server) IssueToken() string {
	token := "emu." + strings.ReplaceAll(uuid.NewString(), "-", "")
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	s.tokens[token] = s.now().Add(s.config.TokenTTL)
	return token
}

// RevokeTokens invalidates every issued token.
func (s *Server) RevokeTokens() {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	s.tokens = make(map[string]time.Time)
}

func (s *Server) tokenValid(token string) bool {
	if token == "" {
		return false
	}
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	expiry, ok := s.tokens[token]
	if !ok {
		return false
	}
	if !s.now().Before(expiry) {
		delete(s.tokens, token)
		return false
	}
	return true
}
