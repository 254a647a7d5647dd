package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CertFor returns a leaf certificate covering hostname, minting and
// caching one on first use. Concurrent lookups for the same host
// coalesce onto a single mint; other hosts mint in parallel.
func (ca *CA) CertFor(hostname string) (*tls.Certificate, error) {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))

	if cert, ok := ca.cache.Get(hostname); ok {
		if cert.Leaf.NotAfter.After(time.Now().Add(expiryMargin)) {
			return cert, nil
		}
	}

	v, err, _ := ca.group.Do(hostname, func() (interface{}, error) {
		// re-check under the flight: a racing mint may have landed
		if cert, ok := ca.cache.Get(hostname); ok {
			if cert.Leaf.NotAfter.After(time.Now().Add(expiryMargin)) {
				return cert, nil
			}
		}
		cert, err := ca.mint(hostname)
		if err != nil {
			ca.log.Error("mint failed", zap.String("host", hostname), zap.Error(err))
			return nil, err
		}
		ca.cache.Add(hostname, cert)
		ca.log.Debug("minted certificate",
			zap.String("host", hostname),
			zap.Time("not_after", cert.Leaf.NotAfter))
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// subjectNames returns the SAN set for hostname: the name itself plus
// a leading-wildcard parent when the name has at least two labels.
// IP literals get an IP SAN only.
func subjectNames(hostname string) (dns []string, ips []net.IP) {
	if ip := net.ParseIP(hostname); ip != nil {
		return nil, []net.IP{ip}
	}
	dns = []string{hostname}
	if i := strings.IndexByte(hostname, '.'); i > 0 && i < len(hostname)-1 {
		dns = append(dns, "*."+hostname[i+1:])
	}
	return dns, nil
}

// hashSorted derives a stable serial from the SAN set.
func hashSorted(names []string) *big.Int {
	c := make([]string, len(names))
	copy(c, names)
	sort.Strings(c)
	h := sha1.New()
	for _, s := range c {
		h.Write([]byte(s + ","))
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

func (ca *CA) mint(hostname string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMint, err)
	}

	dns, ips := subjectNames(hostname)
	serialNames := append([]string{}, dns...)
	for _, ip := range ips {
		serialNames = append(serialNames, ip.String())
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: hashSorted(serialNames),
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{"Warden Proxy"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dns,
		IPAddresses:           ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, ca.rootX509, &key.PublicKey, ca.root.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMint, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMint, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.root.Certificate[0]},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
