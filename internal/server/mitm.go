package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
	caValidity = 10 * 365 * 24 * time.Hour
	caName     = "tunegate MITM CA"
)

// CA is the certificate authority leaf certificates are minted from.
type CA struct {
	Cert     tls.Certificate
	CertPEM  []byte
	CertPath string
	KeyPath  string
}

// Fingerprint returns the SHA-256 fingerprint of the CA certificate as
// colon separated hex.
func (c *CA) Fingerprint() string {
	sum := sha256.Sum256(c.Cert.Certificate[0])
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// LoadOrCreateCA loads ca.crt and ca.key from dir, generating and writing a
// new ECDSA P-256 CA when neither exists. created reports whether a new CA
// was written.
func LoadOrCreateCA(dir string) (ca *CA, created bool, err error) {
	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
	case errors.Is(certErr, fs.ErrNotExist) && errors.Is(keyErr, fs.ErrNotExist):
		if certPEM, keyPEM, err = generateCA(time.Now()); err != nil {
			return nil, false, err
		}
		if err := writeCA(dir, certPath, keyPath, certPEM, keyPEM); err != nil {
			return nil, false, err
		}
		created = true
	case certErr != nil:
		return nil, false, fmt.Errorf("read CA certificate: %w", certErr)
	default:
		return nil, false, fmt.Errorf("read CA key: %w", keyErr)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, false, fmt.Errorf("load CA: %w", err)
	}
	if pair.Leaf == nil {
		if pair.Leaf, err = x509.ParseCertificate(pair.Certificate[0]); err != nil {
			return nil, false, fmt.Errorf("parse CA: %w", err)
		}
	}
	if !pair.Leaf.IsCA {
		return nil, false, fmt.Errorf("%s is not a CA certificate", certPath)
	}

	return &CA{Cert: pair, CertPEM: certPEM, CertPath: certPath, KeyPath: keyPath}, created, nil
}

func generateCA(now time.Time) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   caName,
			Organization: []string{"tunegate"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal CA key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func writeCA(dir, certPath, keyPath string, certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}
	return nil
}

// certCache keeps minted leaf certificates per hostname. It satisfies
// goproxy.CertStorage.
type certCache struct {
	group singleflight.Group

	mu    sync.RWMutex
	certs map[string]*tls.Certificate
}

func newCertCache() *certCache {
	return &certCache{certs: make(map[string]*tls.Certificate)}
}

func (c *certCache) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	c.mu.RLock()
	cert, ok := c.certs[hostname]
	c.mu.RUnlock()
	if ok && cert.Leaf != nil && time.Now().Before(cert.Leaf.NotAfter) {
		return cert, nil
	}

	v, err, _ := c.group.Do(hostname, func() (any, error) {
		cert, err := gen()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.certs[hostname] = cert
		c.mu.Unlock()
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}
