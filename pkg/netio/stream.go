package netio

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Stream is one established connection, whatever socket flavour carries
// it.
type Stream struct {
	net.Conn
	variant Variant

	releaseOnce sync.Once
	release     func()
}

func (s *Stream) Variant() Variant { return s.variant }

func (s *Stream) Close() error {
	err := s.Conn.Close()
	if s.release != nil {
		s.releaseOnce.Do(s.release)
	}
	return err
}

// StreamConfig describes an outbound connection.
type StreamConfig struct {
	// URL of the peer: unix://, tcp:// or tls://.
	URL string

	// TLS material, required for tls:// URLs.
	TLS *TLSConfig

	// ProxyURL, when set, routes the stream through an HTTP proxy
	// using a CONNECT tunnel. Only meaningful for tcp:// and tls://.
	ProxyURL string

	// ConnectTimeout bounds the whole establishment phase: dialing,
	// the proxy tunnel, and the TLS handshake. Defaults to 30s.
	ConnectTimeout time.Duration
}

const defaultConnectTimeout = 30 * time.Second

// Dial establishes a Stream. Every establishment-phase failure wraps
// ErrConnect so callers can tell it apart from I/O errors on an
// established stream.
func Dial(ctx context.Context, cfg StreamConfig) (*Stream, error) {
	ep, err := parseEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	variant := VariantTCP
	switch {
	case ep.network == "unix":
		variant = VariantUnix
	case ep.tls && cfg.ProxyURL != "":
		variant = VariantTLSProxy
	case ep.tls:
		variant = VariantTLS
	case cfg.ProxyURL != "":
		variant = VariantTCPProxy
	}

	var dialer net.Dialer
	var conn net.Conn
	if cfg.ProxyURL != "" && ep.network != "unix" {
		conn, err = dialThroughProxy(ctx, &dialer, cfg.ProxyURL, ep.addr)
	} else {
		conn, err = dialer.DialContext(ctx, ep.network, ep.addr)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrConnect, err)
		}
	}
	if err != nil {
		return nil, err
	}

	if ep.tls {
		if cfg.TLS == nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %w: tls URL without tls material", ErrConnect, ErrTLSMaterial)
		}
		tcfg, err := cfg.TLS.client(ep.host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %w", ErrConnect, err)
		}
		tconn := tls.Client(conn, tcfg)
		hctx, hcancel := context.WithTimeout(ctx, cfg.TLS.handshakeTimeout())
		err = tconn.HandshakeContext(hctx)
		hcancel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %w: %w", ErrConnect, ErrHandshake, err)
		}
		conn = tconn
	}

	return &Stream{Conn: conn, variant: variant}, nil
}

// dialThroughProxy opens a CONNECT tunnel to target via the proxy.
func dialThroughProxy(ctx context.Context, dialer *net.Dialer, proxyURL, target string) (net.Conn, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: proxy URL: %w", ErrConnect, ErrURLInvalid, err)
	}
	proxyAddr := u.Host
	if u.Port() == "" {
		proxyAddr = net.JoinHostPort(u.Host, "80")
	}

	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy: %w", ErrConnect, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: proxy: %w", ErrConnect, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: proxy: %w", ErrConnect, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("%w: %w: %s", ErrConnect, ErrProxyRefused, resp.Status)
	}

	conn.SetDeadline(time.Time{})

	// the proxy sends nothing past its response before the tunnel is
	// live, but never discard bytes the reader may have buffered
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, rd: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	rd *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.rd.Read(p)
}
