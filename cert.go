package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
)

// CertificateRecord is a PEM encoded key pair issued for a hostname.
// It is never mutated once created.
type CertificateRecord struct {
	Hostname    string
	PrivateKey  []byte
	Certificate []byte
}

// TLSCertificate parses the record into a tls.Certificate with Leaf set.
func (r *CertificateRecord) TLSCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(r.Certificate, r.PrivateKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, err
	}
	return cert, nil
}

// CAFiles locates the certificate authority used to sign leaf certificates.
// The files are only read, never written.
type CAFiles struct {
	CertPath string
	KeyPath  string
}

// LoadCertificate loads a key pair from PEM files and parses its leaf.
func LoadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, err
	}
	return cert, nil
}

// certFiles is the on-disk layout for one hostname.
type certFiles struct {
	key  string
	csr  string
	cert string
}

func newCertFiles(dir, hostname string) certFiles {
	return certFiles{
		key:  filepath.Join(dir, hostname+"-key.pem"),
		csr:  filepath.Join(dir, hostname+".csr"),
		cert: filepath.Join(dir, hostname+"-cert.pem"),
	}
}

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9_*]([A-Za-z0-9_*.-]*[A-Za-z0-9_*])?$`)

// ValidateHostname reports whether hostname can be interpolated into file names and certificate subjects.
// Only DNS-like names and IP literals are accepted.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHostname)
	}
	if len(hostname) > 253 {
		return fmt.Errorf("%w: too long (%d bytes)", ErrInvalidHostname, len(hostname))
	}
	if net.ParseIP(hostname) != nil {
		return nil
	}
	if !hostnamePattern.MatchString(hostname) {
		return fmt.Errorf("%w: %q", ErrInvalidHostname, hostname)
	}
	return nil
}
