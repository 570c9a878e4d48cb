package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

// testRSAKey returns a 2048-bit key shared by the package's tests.
func testRSAKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	der := x509.MarshalPKCS1PrivateKey(testKey)
	return testKey, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func rsaKeyForTest() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

func testCredentials(t *testing.T) Credentials {
	t.Helper()
	_, keyPEM := testRSAKey(t)
	creds, err := NewCredentials("svc@project.iam.gserviceaccount.com", keyPEM, "https://project.firebaseio.com/")
	require.NoError(t, err)
	return creds
}
