// Package auth builds service-account assertions and keeps a bearer token fresh.
package auth

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2/google"

	fterrors "github.com/firetree/firetree/internal/errors"
)

// Environment variables read by CredentialsFromEnv.
const (
	EnvServiceAccount = "FIRETREE_SERVICE_ACCOUNT"
	EnvPrivateKey     = "FIRETREE_PRIVATE_KEY"
	EnvDatabaseURL    = "FIRETREE_DATABASE_URL"
)

// Credentials is the service-account identity, its signing key and the
// database it authenticates against. Treat it as immutable.
type Credentials struct {
	ServiceAccount string
	PrivateKeyPEM  []byte
	DatabaseURL    string
}

// NewCredentials validates and normalizes the three pieces of credential material.
func NewCredentials(serviceAccount string, privateKeyPEM []byte, databaseURL string) (Credentials, error) {
	serviceAccount = strings.TrimSpace(serviceAccount)
	if serviceAccount == "" {
		return Credentials{}, fmt.Errorf("service account is required")
	}
	if len(privateKeyPEM) == 0 {
		return Credentials{}, fterrors.New(fterrors.KindInvalidPrivateKey, "credentials", fmt.Errorf("private key is empty"))
	}
	base, err := normalizeDatabaseURL(databaseURL)
	if err != nil {
		return Credentials{}, err
	}
	key := make([]byte, len(privateKeyPEM))
	copy(key, privateKeyPEM)
	return Credentials{
		ServiceAccount: serviceAccount,
		PrivateKeyPEM:  key,
		DatabaseURL:    base,
	}, nil
}

// CredentialsFromEnv reads FIRETREE_SERVICE_ACCOUNT, FIRETREE_PRIVATE_KEY and
// FIRETREE_DATABASE_URL. Literal "\n" sequences in the key are expanded so the
// PEM can be passed on a single line.
func CredentialsFromEnv() (Credentials, error) {
	values := map[string]string{}
	var missing []string
	for _, name := range []string{EnvServiceAccount, EnvPrivateKey, EnvDatabaseURL} {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			missing = append(missing, name)
			continue
		}
		values[name] = v
	}
	if len(missing) > 0 {
		return Credentials{}, &fterrors.ErrMissingEnv{Names: missing}
	}
	key := strings.ReplaceAll(values[EnvPrivateKey], `\n`, "\n")
	return NewCredentials(values[EnvServiceAccount], []byte(key), values[EnvDatabaseURL])
}

// CredentialsFromJSON reads a Google service-account key file. The database
// URL is not part of the key file and must be passed separately.
func CredentialsFromJSON(data []byte, databaseURL string) (Credentials, error) {
	cfg, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return Credentials{}, fmt.Errorf("parse service account key: %w", err)
	}
	return NewCredentials(cfg.Email, cfg.PrivateKey, databaseURL)
}

// String hides the private key.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{ServiceAccount: %s, DatabaseURL: %s, PrivateKey: [%d bytes]}",
		c.ServiceAccount, c.DatabaseURL, len(c.PrivateKeyPEM))
}

func normalizeDatabaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("missing scheme or host in %q", raw)
		}
		return "", fterrors.New(fterrors.KindInvalidURLString, "credentials", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fterrors.New(fterrors.KindInvalidURLString, "credentials", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	return strings.TrimRight(raw, "/"), nil
}
