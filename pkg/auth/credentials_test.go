package auth

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fterrors "github.com/firetree/firetree/internal/errors"
)

func TestNewCredentials(t *testing.T) {
	_, keyPEM := testRSAKey(t)

	t.Run("valid", func(t *testing.T) {
		c, err := NewCredentials(" svc@example.com ", keyPEM, "https://db.example.com/")
		require.NoError(t, err)
		assert.Equal(t, "svc@example.com", c.ServiceAccount)
		assert.Equal(t, "https://db.example.com", c.DatabaseURL)
		assert.Equal(t, keyPEM, c.PrivateKeyPEM)
	})

	t.Run("key is copied", func(t *testing.T) {
		buf := append([]byte(nil), keyPEM...)
		c, err := NewCredentials("svc@example.com", buf, "https://db.example.com")
		require.NoError(t, err)
		buf[0] = 'X'
		assert.Equal(t, keyPEM, c.PrivateKeyPEM)
	})

	tests := []struct {
		name    string
		account string
		key     []byte
		url     string
		kind    fterrors.Kind
	}{
		{"missing account", "", keyPEM, "https://db.example.com", fterrors.KindUnknown},
		{"missing key", "svc@example.com", nil, "https://db.example.com", fterrors.KindInvalidPrivateKey},
		{"relative url", "svc@example.com", keyPEM, "db.example.com", fterrors.KindInvalidURLString},
		{"bad scheme", "svc@example.com", keyPEM, "ftp://db.example.com", fterrors.KindInvalidURLString},
		{"unparseable url", "svc@example.com", keyPEM, "http://[::1", fterrors.KindInvalidURLString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCredentials(tt.account, tt.key, tt.url)
			require.Error(t, err)
			assert.Equal(t, tt.kind, fterrors.KindOf(err))
		})
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	_, keyPEM := testRSAKey(t)

	t.Run("all set", func(t *testing.T) {
		t.Setenv(EnvServiceAccount, "svc@example.com")
		t.Setenv(EnvPrivateKey, strings.ReplaceAll(string(keyPEM), "\n", `\n`))
		t.Setenv(EnvDatabaseURL, "https://db.example.com")

		c, err := CredentialsFromEnv()
		require.NoError(t, err)
		assert.Equal(t, keyPEM, c.PrivateKeyPEM)
		assert.Equal(t, "https://db.example.com", c.DatabaseURL)
	})

	t.Run("missing", func(t *testing.T) {
		t.Setenv(EnvServiceAccount, "svc@example.com")
		t.Setenv(EnvPrivateKey, "")
		t.Setenv(EnvDatabaseURL, "")

		_, err := CredentialsFromEnv()
		require.Error(t, err)
		assert.True(t, errors.Is(err, fterrors.ErrEnvironmentVariablesNotFound))

		var missing *fterrors.ErrMissingEnv
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, []string{EnvPrivateKey, EnvDatabaseURL}, missing.Names)
	})
}

func TestCredentialsFromJSON(t *testing.T) {
	_, keyPEM := testRSAKey(t)
	keyFile, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "project",
		"private_key_id": "abc",
		"private_key":    string(keyPEM),
		"client_email":   "svc@project.iam.gserviceaccount.com",
		"client_id":      "123",
		"token_uri":      "https://oauth2.googleapis.com/token",
	})
	require.NoError(t, err)

	c, err := CredentialsFromJSON(keyFile, "https://project.firebaseio.com")
	require.NoError(t, err)
	assert.Equal(t, "svc@project.iam.gserviceaccount.com", c.ServiceAccount)
	assert.Equal(t, keyPEM, c.PrivateKeyPEM)

	_, err = CredentialsFromJSON([]byte("{"), "https://project.firebaseio.com")
	assert.Error(t, err)
}

func TestCredentialsStringHidesKey(t *testing.T) {
	c := testCredentials(t)
	s := c.String()
	assert.Contains(t, s, c.ServiceAccount)
	assert.NotContains(t, s, "PRIVATE KEY")
}
