package netio

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		DNSNames:              []string{"localhost"},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

func pemCert(t *testing.T, der []byte) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func pemKey(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestParseEndpoint(t *testing.T) {
	t.Run("when the scheme is known", func(t *testing.T) {
		ep, err := parseEndpoint("unix:///tmp/brio.sock")
		require.NoError(t, err)
		require.Equal(t, "unix", ep.network)
		require.Equal(t, "/tmp/brio.sock", ep.addr)
		require.False(t, ep.tls)

		ep, err = parseEndpoint("tls://db.internal:5432")
		require.NoError(t, err)
		require.Equal(t, "tcp", ep.network)
		require.Equal(t, "db.internal:5432", ep.addr)
		require.Equal(t, "db.internal", ep.host)
		require.True(t, ep.tls)
	})

	t.Run("when the URL is malformed", func(t *testing.T) {
		_, err := parseEndpoint("quic://nope:1")
		require.ErrorIs(t, err, ErrURLInvalid)
		_, err = parseEndpoint("tcp://missing-port")
		require.ErrorIs(t, err, ErrURLInvalid)
		_, err = parseEndpoint("unix://")
		require.ErrorIs(t, err, ErrURLInvalid)
	})
}

func TestUnixRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rt.sock")
	li, err := Listen(ListenerConfig{URL: "unix://" + sock})
	require.NoError(t, err)
	defer li.Close()
	require.Equal(t, VariantUnix, li.variant)

	go func() {
		stream, err := Dial(context.Background(), StreamConfig{URL: "unix://" + sock})
		if err != nil {
			return
		}
		stream.Write([]byte("ping"))
		stream.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := li.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, VariantUnix, stream.Variant())

	buf := make([]byte, 4)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
	require.NoError(t, stream.Close())
}

func TestTCPAcceptHonoursContext(t *testing.T) {
	li, err := Listen(ListenerConfig{URL: "tcp://127.0.0.1:0"})
	require.NoError(t, err)
	defer li.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = li.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestTCPMaxConns(t *testing.T) {
	li, err := Listen(ListenerConfig{URL: "tcp://127.0.0.1:0", MaxConns: 1})
	require.NoError(t, err)
	defer li.Close()
	addr := "tcp://" + li.Addr().String()

	dialOne := func() *Stream {
		stream, err := Dial(context.Background(), StreamConfig{URL: addr})
		require.NoError(t, err)
		return stream
	}

	out1 := dialOne()
	defer out1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in1, err := li.Accept(ctx)
	require.NoError(t, err)

	out2 := dialOne()
	defer out2.Close()

	var accepted atomic.Bool
	go func() {
		in2, err := li.Accept(context.Background())
		if err == nil {
			accepted.Store(true)
			in2.Close()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.False(t, accepted.Load(), "second accept must wait for a free slot")

	require.NoError(t, in1.Close())
	require.Eventually(t, func() bool { return accepted.Load() }, 3*time.Second, 10*time.Millisecond)
}

func TestTLSRoundTrip(t *testing.T) {
	dir := t.TempDir()

	caKey := generateKeyPair(t)
	serverKey := generateKeyPair(t)
	clientKey := generateKeyPair(t)

	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	serverDER := generateLeaf(t, ca, caKey, serverKey, "server")
	clientDER := generateLeaf(t, ca, caKey, clientKey, "client")

	serverCert := writeFile(t, dir, "server.pem", pemCert(t, serverDER))
	serverPriv := writeFile(t, dir, "server.key", pemKey(t, serverKey))
	clientCert := writeFile(t, dir, "client.pem", pemCert(t, clientDER))
	clientPriv := writeFile(t, dir, "client.key", pemKey(t, clientKey))

	// trust store holding the CA as PEM under a nested dir, plus a DER
	// copy, both must load
	store := filepath.Join(dir, "store", "nested")
	require.NoError(t, os.MkdirAll(store, 0o700))
	writeFile(t, store, "ca.pem", pemCert(t, caDER))
	writeFile(t, store, "ca.der", caDER)

	li, err := Listen(ListenerConfig{
		URL: "tls://127.0.0.1:0",
		TLS: &TLSConfig{
			StoreDir: filepath.Join(dir, "store"),
			CertFile: serverCert,
			KeyFile:  serverPriv,
			ALPN:     []string{"brio/1"},
			Modern:   true,
		},
	})
	require.NoError(t, err)
	defer li.Close()

	errCh := make(chan error, 1)
	go func() {
		stream, err := Dial(context.Background(), StreamConfig{
			URL: "tls://" + li.Addr().String(),
			TLS: &TLSConfig{
				CAPEM:    []string{string(pemCert(t, caDER))},
				CertFile: clientCert,
				KeyFile:  clientPriv,
				ALPN:     []string{"brio/1"},
				Modern:   true,
			},
		})
		if err != nil {
			errCh <- err
			return
		}
		_, err = stream.Write([]byte("over tls"))
		stream.Close()
		errCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := li.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, VariantTLS, stream.Variant())

	tconn, ok := stream.Conn.(*tls.Conn)
	require.True(t, ok, "a tls listener must hand out tls connections")
	require.Equal(t, "brio/1", tconn.ConnectionState().NegotiatedProtocol)
	require.EqualValues(t, tls.VersionTLS13, tconn.ConnectionState().Version)

	buf := make([]byte, 32)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "over tls", string(buf[:n]))
	require.NoError(t, <-errCh)
	require.NoError(t, stream.Close())
}

func TestTLSMaterialErrors(t *testing.T) {
	t.Run("when a tls URL has no material", func(t *testing.T) {
		_, err := Listen(ListenerConfig{URL: "tls://127.0.0.1:0"})
		require.ErrorIs(t, err, ErrTLSMaterial)

		_, err = Dial(context.Background(), StreamConfig{URL: "tls://127.0.0.1:1"})
		require.ErrorIs(t, err, ErrConnect)
	})

	t.Run("when the store holds no usable anchor", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "junk.pem", []byte("not a certificate"))
		cfg := &TLSConfig{StoreDir: dir}
		_, err := cfg.trustPool()
		require.ErrorIs(t, err, ErrTLSMaterial)
	})
}

func TestDialThroughProxy(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()

	go func() {
		conn, err := target.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		conn.Write(append([]byte("echo:"), buf[:n]...))
	}()

	proxy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer proxy.Close()

	var sawConnect atomic.Bool
	go func() {
		conn, err := proxy.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		rd := bufio.NewReader(conn)
		line, err := rd.ReadString('\n')
		if err != nil || !strings.HasPrefix(line, "CONNECT ") {
			fmt.Fprint(conn, "HTTP/1.1 400 Bad Request\r\n\r\n")
			return
		}
		for {
			hdr, err := rd.ReadString('\n')
			if err != nil || hdr == "\r\n" {
				break
			}
		}
		sawConnect.Store(true)

		upstream, err := net.Dial("tcp", strings.Fields(line)[1])
		if err != nil {
			fmt.Fprint(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer upstream.Close()
		fmt.Fprint(conn, "HTTP/1.1 200 Connection Established\r\n\r\n")

		go func() {
			buf := make([]byte, 1024)
			for {
				n, err := rd.Read(buf)
				if n > 0 {
					upstream.Write(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()
		buf := make([]byte, 1024)
		for {
			n, err := upstream.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	stream, err := Dial(context.Background(), StreamConfig{
		URL:      "tcp://" + target.Addr().String(),
		ProxyURL: "http://" + proxy.Addr().String(),
	})
	require.NoError(t, err)
	require.Equal(t, VariantTCPProxy, stream.Variant())
	require.True(t, sawConnect.Load())

	_, err = stream.Write([]byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "echo:hi", string(buf[:n]))
	require.NoError(t, stream.Close())
}
