// Package certs furnishes leaf certificates for arbitrary hostnames,
// signed by a locally installed root. The root key never leaves this
// process; leaves are cached and minting per hostname is coalesced.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRootLoad is returned when the persisted root pair is corrupt
	// or mismatched.
	ErrRootLoad = errors.New("certs: cannot load root")
	// ErrMint is returned when key generation or signing fails.
	// Minting is never silently retried.
	ErrMint = errors.New("certs: cannot mint certificate")
)

const (
	rootCommonName = "MITM Proxy Root"
	rootValidity   = 10 * 365 * 24 * time.Hour
	leafValidity   = 397 * 24 * time.Hour

	// a cached leaf this close to expiry is reminted instead of reused
	expiryMargin = time.Minute

	DefaultCacheCapacity = 1024
)

// Config carries the CA construction parameters.
type Config struct {
	CertFile string
	KeyFile  string
	// CacheCapacity bounds the minted-leaf LRU. Zero means the default.
	CacheCapacity int
	Logger        *zap.Logger
}

// CA owns the root key pair and the mint cache.
type CA struct {
	root     tls.Certificate
	rootX509 *x509.Certificate

	cache *lruCache
	group singleflight.Group
	log   *zap.Logger
}

// LoadOrCreate loads the root pair from disk, or synthesizes and
// persists a self-signed root when neither file exists yet. The user
// installs the certificate into their browser trust store out-of-band.
func LoadOrCreate(cfg Config) (*CA, error) {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	_, certErr := os.Stat(cfg.CertFile)
	_, keyErr := os.Stat(cfg.KeyFile)
	if os.IsNotExist(certErr) && os.IsNotExist(keyErr) {
		if err := createRoot(cfg.CertFile, cfg.KeyFile); err != nil {
			return nil, err
		}
		logger.Info("created root certificate",
			zap.String("cert", cfg.CertFile),
			zap.String("key", cfg.KeyFile))
	}

	root, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootLoad, err)
	}
	rootX509, err := x509.ParseCertificate(root.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootLoad, err)
	}
	if !rootX509.IsCA {
		return nil, fmt.Errorf("%w: certificate is not a CA", ErrRootLoad)
	}

	return &CA{
		root:     root,
		rootX509: rootX509,
		cache:    newLRUCache(capacity),
		log:      logger,
	}, nil
}

// Root returns the parsed root certificate, for export to trust
// stores. The private key is not reachable through the API.
func (ca *CA) Root() *x509.Certificate {
	return ca.rootX509
}

func createRoot(certFile, keyFile string) error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMint, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMint, err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   rootCommonName,
			Organization: []string{"Warden Proxy"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMint, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := writeFileAtomic(certFile, certPEM, 0o644); err != nil {
		return err
	}
	return writeFileAtomic(keyFile, keyPEM, 0o600)
}

// writeFileAtomic writes via a temp file in the same directory and
// renames it into place, so a crash never leaves a half-written pair.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
