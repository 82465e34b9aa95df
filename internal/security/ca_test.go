package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCA(t *testing.T) {
	ca, err := NewCA("ARKENAR Test CA")
	require.NoError(t, err)

	assert.True(t, ca.Cert.IsCA)
	assert.Equal(t, "ARKENAR Test CA", ca.Cert.Subject.CommonName)
	assert.NoError(t, ca.Cert.CheckSignature(ca.Cert.SignatureAlgorithm, ca.Cert.RawTBSCertificate, ca.Cert.Signature))

	// A leaf signed by the CA verifies against its pool.
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "target.test"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"target.test"},
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificate(rand.Reader, leafTemplate, ca.Cert, &leafKey.PublicKey, ca.PrivateKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	chains, err := leaf.Verify(x509.VerifyOptions{Roots: ca.CertPool, DNSName: "target.test"})
	require.NoError(t, err)
	assert.Len(t, chains, 1)
}

func TestCA_PEMIsAValidKeyPair(t *testing.T) {
	ca, err := NewCA("pair")
	require.NoError(t, err)
	certPEM, keyPEM := ca.PEM()
	_, err = tls.X509KeyPair(certPEM, keyPEM)
	assert.NoError(t, err)
}

func TestEnsureCAFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca", "ca.pem")
	keyPath := filepath.Join(dir, "ca", "ca.key")

	created, err := EnsureCAFiles(certPath, keyPath, "ARKENAR")
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	before, err := os.ReadFile(certPath)
	require.NoError(t, err)
	created, err = EnsureCAFiles(certPath, keyPath, "ARKENAR")
	require.NoError(t, err)
	assert.False(t, created, "an existing pair is reused")
	after, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, os.Remove(keyPath))
	_, err = EnsureCAFiles(certPath, keyPath, "ARKENAR")
	assert.Error(t, err, "a lone certificate is not overwritten")
}
