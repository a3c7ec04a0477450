package netio

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// TLSConfig gathers the material for one side of a TLS stream. Trust
// anchors come from a store directory, inline PEM blocks, or both; when
// neither is set the system pool applies. Identity comes from a PEM
// cert/key pair or a PKCS#12 bundle.
type TLSConfig struct {
	// StoreDir is scanned recursively; every file is loaded as PEM, or
	// as a single DER certificate when no PEM block is found.
	StoreDir string

	// CAPEM holds literal PEM trust anchors.
	CAPEM []string

	CertFile string
	KeyFile  string

	// Bundle is a PKCS#12 archive holding both the certificate chain
	// and the private key.
	Bundle         string
	BundlePassword string

	// ALPN protocols, offered in order.
	ALPN []string

	// Modern restricts the stream to TLS 1.3.
	Modern bool

	// HandshakeTimeout bounds the TLS handshake on both Accept and
	// Dial. Defaults to 10s.
	HandshakeTimeout time.Duration
}

const defaultHandshakeTimeout = 10 * time.Second

func (c *TLSConfig) handshakeTimeout() time.Duration {
	if c == nil || c.HandshakeTimeout == 0 {
		return defaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

func (c *TLSConfig) minVersion() uint16 {
	if c.Modern {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// trustPool builds the anchor pool. It returns nil when no anchors are
// configured, which lets crypto/tls fall back to the system pool.
func (c *TLSConfig) trustPool() (*x509.CertPool, error) {
	if c.StoreDir == "" && len(c.CAPEM) == 0 {
		return nil, nil
	}

	pool := x509.NewCertPool()
	anchors := 0

	if c.StoreDir != "" {
		err := filepath.WalkDir(c.StoreDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			n, err := appendAnchors(pool, raw)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			anchors += n
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: store %q: %w", ErrTLSMaterial, c.StoreDir, err)
		}
	}

	for i, block := range c.CAPEM {
		n, err := appendAnchors(pool, []byte(block))
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: inline anchor %d", ErrTLSMaterial, i)
		}
		anchors += n
	}

	if anchors == 0 {
		return nil, fmt.Errorf("%w: no usable trust anchor", ErrTLSMaterial)
	}
	return pool, nil
}

// appendAnchors adds every certificate found in raw, accepting PEM and
// falling back to a single DER certificate.
func appendAnchors(pool *x509.CertPool, raw []byte) (int, error) {
	added := 0
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return added, err
		}
		pool.AddCert(cert)
		added++
	}
	if added > 0 {
		return added, nil
	}

	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return 0, err
	}
	pool.AddCert(cert)
	return 1, nil
}

// identity loads the local certificate, preferring the PKCS#12 bundle.
func (c *TLSConfig) identity() (*tls.Certificate, error) {
	if c.Bundle != "" {
		raw, err := os.ReadFile(c.Bundle)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle: %w", ErrTLSMaterial, err)
		}
		blocks, err := pkcs12.ToPEM(raw, c.BundlePassword)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle: %w", ErrTLSMaterial, err)
		}
		var certPEM, keyPEM []byte
		for _, block := range blocks {
			enc := pem.EncodeToMemory(block)
			if block.Type == "CERTIFICATE" {
				certPEM = append(certPEM, enc...)
			} else {
				keyPEM = append(keyPEM, enc...)
			}
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle: %w", ErrTLSMaterial, err)
		}
		return &cert, nil
	}

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTLSMaterial, err)
		}
		return &cert, nil
	}

	return nil, nil
}

// server builds the accept-side tls.Config. A local identity is
// mandatory; when trust anchors are configured, client certificates are
// required and verified against them.
func (c *TLSConfig) server() (*tls.Config, error) {
	cert, err := c.identity()
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: server needs a certificate", ErrTLSMaterial)
	}

	pool, err := c.trustPool()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   c.minVersion(),
		NextProtos:   c.ALPN,
	}
	if pool != nil {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// client builds the dial-side tls.Config for the given server name.
func (c *TLSConfig) client(host string) (*tls.Config, error) {
	pool, err := c.trustPool()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		ServerName: host,
		MinVersion: c.minVersion(),
		NextProtos: c.ALPN,
	}

	cert, err := c.identity()
	if err != nil {
		return nil, err
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg, nil
}
