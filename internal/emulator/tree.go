package emulator

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/firetree/firetree/internal/metrics"
	"github.com/firetree/firetree/internal/store"
)

func (s *Server) handleTree(c *gin.Context) {
	c.Set(metrics.RouteKey, "tree")

	urlPath := c.Request.URL.Path
	if !strings.HasSuffix(urlPath, ".json") {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}
	path := strings.Trim(strings.TrimSuffix(urlPath, ".json"), "/")

	if s.unavailable.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database unavailable"})
		return
	}

	if s.config.RequireAuth && !s.tokenValid(requestToken(c)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Permission denied"})
		return
	}

	if strings.ContainsAny(path, ".#$[]") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid path: keys must not contain '.', '#', '$', '[' or ']'"})
		return
	}

	ctx := c.Request.Context()
	switch c.Request.Method {
	case http.MethodGet:
		v, err := s.tree.Get(ctx, path)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, v)

	case http.MethodPut:
		body, ok := s.readBody(c)
		if !ok {
			return
		}
		if err := s.tree.Set(ctx, path, body); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, body)

	case http.MethodPost:
		body, ok := s.readBody(c)
		if !ok {
			return
		}
		key, err := s.tree.Push(ctx, path, body)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": key})

	case http.MethodPatch:
		body, ok := s.readBody(c)
		if !ok {
			return
		}
		fields, isObject := body.(map[string]any)
		if !isObject {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data; couldn't parse JSON object. Are you sending a JSON object with valid key names?"})
			return
		}
		if err := s.tree.Update(ctx, path, fields); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, fields)

	case http.MethodDelete:
		if err := s.tree.Delete(ctx, path); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, nil)

	default:
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	}
}

// requestToken reads access_token, falling back to auth and a bearer header.
func requestToken(c *gin.Context) string {
	if t := c.Query("access_token"); t != "" {
		return t
	}
	if t := c.Query("auth"); t != "" {
		return t
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) readBody(c *gin.Context) (any, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data; couldn't read request body."})
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil || dec.More() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid data; couldn't parse JSON object, array, or value."})
		return nil, false
	}
	return body, true
}

func (s *Server) fail(c *gin.Context, err error) {
	if stderrors.Is(err, store.ErrInvalidRoot) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error."})
}
