package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	caOnce sync.Once
	caCert *tls.Certificate
	caErr  error
)

func createCACert(subject pkix.Name, duration time.Duration) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(now.UnixNano()),
		Subject:               subject,
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(duration),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// CACert returns a CA shared by every test of the package.
func CACert(t *testing.T) *tls.Certificate {
	t.Helper()

	caOnce.Do(func() {
		caCert, caErr = createCACert(pkix.Name{CommonName: "mitm-proxy-go test CA"}, 1*time.Hour)
	})
	require.NoError(t, caErr, "failed to create the test CA")
	return caCert
}

// RootCAs returns a pool trusting CACert.
func RootCAs(t *testing.T) *x509.CertPool {
	t.Helper()

	pool := x509.NewCertPool()
	pool.AddCert(CACert(t).Leaf)
	return pool
}

// WriteCA writes CACert to PEM files under dir and returns their paths.
func WriteCA(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	cert := CACert(t)
	certPath = filepath.Join(dir, "ca-cert.pem")
	keyPath = filepath.Join(dir, "ca-key.pem")

	der, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o644))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))
	return certPath, keyPath
}
