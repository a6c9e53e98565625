// Copyright (c) 2024 homuler
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file or at
// https://opensource.org/licenses/MIT.

package mitm

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultKeyBits      = 2048
	DefaultValidityDays = 3650
)

var serialNumberLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// SignRequest describes one run of the signing pipeline.
// The signer writes the key, the signing request and the certificate to the given paths, in that order.
type SignRequest struct {
	Hostname string
	CA       CAFiles

	KeyPath  string
	CSRPath  string
	CertPath string
}

// Signer issues a leaf certificate for a hostname, signed by the CA.
type Signer interface {
	Sign(ctx context.Context, req SignRequest) error
}

// DefaultSubject is the distinguished name of issued certificates. CommonName is replaced by the hostname.
var DefaultSubject = pkix.Name{
	Country:      []string{"US"},
	Province:     []string{"OR"},
	Locality:     []string{"PDX"},
	Organization: []string{"NR"},
}

func newSerialNumber() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}

func subjectAltNames(hostname string) ([]string, []net.IP) {
	if ip := net.ParseIP(hostname); ip != nil {
		return nil, []net.IP{ip}
	}
	return []string{hostname}, nil
}

func requireFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("missing %s: %w", path, err)
	}
	return nil
}

// OpenSSLSigner runs the pipeline with the openssl command line tool (OpenSSL 3 or later).
// Arguments are passed without a shell; the hostname must still be validated
// because it is interpolated into the subject string.
type OpenSSLSigner struct {
	// Path is the openssl executable. If empty, "openssl" is looked up in PATH.
	Path         string
	KeyBits      int
	ValidityDays int
	Subject      pkix.Name
}

var _ Signer = (*OpenSSLSigner)(nil)

func (s *OpenSSLSigner) Sign(ctx context.Context, req SignRequest) error {
	if err := ValidateHostname(req.Hostname); err != nil {
		return err
	}
	serial, err := newSerialNumber()
	if err != nil {
		return err
	}

	keyBits := s.KeyBits
	if keyBits <= 0 {
		keyBits = DefaultKeyBits
	}
	days := s.ValidityDays
	if days <= 0 {
		days = DefaultValidityDays
	}

	steps := []struct {
		name  string
		input string
		args  []string
	}{
		{
			name: "genrsa",
			args: []string{"genrsa", "-out", req.KeyPath, strconv.Itoa(keyBits)},
		},
		{
			name:  "req",
			input: req.KeyPath,
			args: []string{"req", "-new", "-key", req.KeyPath, "-out", req.CSRPath,
				"-subj", s.subject(req.Hostname), "-addext", "subjectAltName=" + opensslSAN(req.Hostname)},
		},
		{
			name:  "x509",
			input: req.CSRPath,
			args: []string{"x509", "-req", "-days", strconv.Itoa(days),
				"-CA", req.CA.CertPath, "-CAkey", req.CA.KeyPath,
				"-in", req.CSRPath, "-out", req.CertPath,
				"-set_serial", serial.String(), "-copy_extensions", "copyall"},
		},
	}

	for _, step := range steps {
		if step.input != "" {
			if err := requireFile(step.input); err != nil {
				return fmt.Errorf("openssl %s: %w", step.name, err)
			}
		}
		if err := s.run(ctx, step.args); err != nil {
			return fmt.Errorf("openssl %s: %w", step.name, err)
		}
	}
	return requireFile(req.CertPath)
}

func (s *OpenSSLSigner) run(ctx context.Context, args []string) error {
	path := s.Path
	if path == "" {
		path = "openssl"
	}
	cmd := exec.CommandContext(ctx, path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(out.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func (s *OpenSSLSigner) subject(hostname string) string {
	name := s.Subject
	if name.CommonName == "" && len(name.Country) == 0 && len(name.Organization) == 0 {
		name = DefaultSubject
	}

	var b strings.Builder
	add := func(key string, values []string) {
		for _, v := range values {
			b.WriteString("/" + key + "=" + v)
		}
	}
	add("C", name.Country)
	add("ST", name.Province)
	add("L", name.Locality)
	add("O", name.Organization)
	add("OU", name.OrganizationalUnit)
	add("CN", []string{hostname})
	return b.String()
}

func opensslSAN(hostname string) string {
	if net.ParseIP(hostname) != nil {
		return "IP:" + hostname
	}
	return "DNS:" + hostname
}

// X509Signer runs the pipeline in-process with crypto/x509.
// Every step reads its input from the file written by the previous one.
type X509Signer struct {
	KeyBits  int
	Validity time.Duration
	Subject  pkix.Name
}

var _ Signer = (*X509Signer)(nil)

func (s *X509Signer) Sign(ctx context.Context, req SignRequest) error {
	if err := ValidateHostname(req.Hostname); err != nil {
		return err
	}
	if err := s.generateKey(req.KeyPath); err != nil {
		return fmt.Errorf("key: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.createRequest(req.Hostname, req.KeyPath, req.CSRPath); err != nil {
		return fmt.Errorf("csr: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.issue(req.CA, req.CSRPath, req.CertPath); err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	return nil
}

func (s *X509Signer) generateKey(path string) error {
	bits := s.KeyBits
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600)
}

func (s *X509Signer) createRequest(hostname, keyPath, csrPath string) error {
	key, err := readPrivateKey(keyPath)
	if err != nil {
		return err
	}

	subject := s.Subject
	if subject.CommonName == "" && len(subject.Country) == 0 && len(subject.Organization) == 0 {
		subject = DefaultSubject
	}
	subject.CommonName = hostname
	dnsNames, ipAddrs := subjectAltNames(hostname)

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:     subject,
		DNSNames:    dnsNames,
		IPAddresses: ipAddrs,
	}, key)
	if err != nil {
		return err
	}
	return os.WriteFile(csrPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), 0o644)
}

func (s *X509Signer) issue(ca CAFiles, csrPath, certPath string) error {
	root, err := LoadCertificate(ca.CertPath, ca.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to load the CA: %w", err)
	}

	data, err := os.ReadFile(csrPath)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return errors.New("invalid certificate request PEM")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return err
	}
	if err := csr.CheckSignature(); err != nil {
		return err
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return err
	}
	validity := s.Validity
	if validity <= 0 {
		validity = DefaultValidityDays * 24 * time.Hour
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               csr.Subject,
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, root.Leaf, csr.PublicKey, root.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	return os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
}

func readPrivateKey(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	}
}
