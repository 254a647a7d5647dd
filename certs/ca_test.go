package certs

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCA(t *testing.T) *CA {
	t.Helper()
	dir := t.TempDir()
	ca, err := LoadOrCreate(Config{
		CertFile: filepath.Join(dir, "ca.crt"),
		KeyFile:  filepath.Join(dir, "ca.key"),
	})
	require.NoError(t, err)
	return ca
}

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		CertFile: filepath.Join(dir, "ca.crt"),
		KeyFile:  filepath.Join(dir, "ca.key"),
	}
	ca, err := LoadOrCreate(cfg)
	require.NoError(t, err)
	assert.Equal(t, "MITM Proxy Root", ca.Root().Subject.CommonName)
	assert.True(t, ca.Root().IsCA)

	info, err := os.Stat(cfg.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// loading again returns the same root, not a fresh one
	again, err := LoadOrCreate(cfg)
	require.NoError(t, err)
	assert.Equal(t, ca.Root().SerialNumber, again.Root().SerialNumber)
}

func TestLoadOrCreateRejectsCorruptRoot(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		CertFile: filepath.Join(dir, "ca.crt"),
		KeyFile:  filepath.Join(dir, "ca.key"),
	}
	require.NoError(t, os.WriteFile(cfg.CertFile, []byte("not a cert"), 0o644))
	require.NoError(t, os.WriteFile(cfg.KeyFile, []byte("not a key"), 0o600))

	_, err := LoadOrCreate(cfg)
	assert.ErrorIs(t, err, ErrRootLoad)
}

func TestCertForVerifiesAgainstRoot(t *testing.T) {
	ca := newTestCA(t)
	cert, err := ca.CertFor("secure.test")
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca.Root())
	_, err = cert.Leaf.Verify(x509.VerifyOptions{DNSName: "secure.test", Roots: pool})
	assert.NoError(t, err)
	assert.NoError(t, cert.Leaf.CheckSignatureFrom(ca.Root()))

	// wildcard parent covers sibling hosts too
	assert.Contains(t, cert.Leaf.DNSNames, "*.test")
}

func TestCertForSingleLabelHost(t *testing.T) {
	ca := newTestCA(t)
	cert, err := ca.CertFor("localhost")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, cert.Leaf.DNSNames)
}

func TestCertForIPLiteral(t *testing.T) {
	ca := newTestCA(t)
	cert, err := ca.CertFor("10.1.2.3")
	require.NoError(t, err)
	assert.Empty(t, cert.Leaf.DNSNames)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.Equal(t, "10.1.2.3", cert.Leaf.IPAddresses[0].String())
}

func TestCertForCachesByIdentity(t *testing.T) {
	ca := newTestCA(t)
	a, err := ca.CertFor("cache.test")
	require.NoError(t, err)
	b, err := ca.CertFor("cache.test")
	require.NoError(t, err)
	assert.Same(t, a, b, "second lookup must return the cached cert")
}

func TestCertForConcurrentSameHost(t *testing.T) {
	ca := newTestCA(t)
	const workers = 16
	certs := make([]*tls.Certificate, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			cert, err := ca.CertFor("flood.test")
			assert.NoError(t, err)
			certs[i] = cert
		}(i)
	}
	wg.Wait()
	for i := 1; i < workers; i++ {
		assert.Same(t, certs[0], certs[i], "coalesced mints must share one cert")
	}
}

func TestCacheEviction(t *testing.T) {
	c := newLRUCache(2)
	c.Add("a", &tls.Certificate{})
	c.Add("b", &tls.Certificate{})
	c.Add("c", &tls.Certificate{})
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry must be evicted")
}

func TestMintedCertServesTLS(t *testing.T) {
	ca := newTestCA(t)
	cert, err := ca.CertFor("127.0.0.1")
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "key verifies with Go")
	}))
	server.TLS = &tls.Config{Certificates: []tls.Certificate{*cert}}
	server.StartTLS()
	defer server.Close()

	pool := x509.NewCertPool()
	pool.AddCert(ca.Root())
	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool},
	}}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "key verifies with Go", string(body))
}
