// Package netio gives a uniform listener/stream surface over the socket
// flavours a processor may speak: UNIX domain sockets, plain TCP, TLS,
// and TCP or TLS tunnelled through an HTTP proxy.
//
// Endpoints are described by URL: "unix:///path/to.sock",
// "tcp://host:port" and "tls://host:port".
package netio

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	ErrURLInvalid   = errors.New("netio: endpoint URL is invalid")
	ErrConnect      = errors.New("netio: connection establishment failed")
	ErrHandshake    = errors.New("netio: tls handshake failed")
	ErrTLSMaterial  = errors.New("netio: tls material is invalid")
	ErrProxyRefused = errors.New("netio: http proxy refused the tunnel")
	ErrClosed       = errors.New("netio: listener is closed")
)

// Variant tells which socket flavour a Stream runs on.
type Variant uint8

const (
	VariantUnix Variant = iota
	VariantTCP
	VariantTLS
	VariantTCPProxy
	VariantTLSProxy
)

func (v Variant) String() string {
	switch v {
	case VariantUnix:
		return "unix"
	case VariantTCP:
		return "tcp"
	case VariantTLS:
		return "tls"
	case VariantTCPProxy:
		return "tcp+proxy"
	case VariantTLSProxy:
		return "tls+proxy"
	default:
		return "unknown"
	}
}

// endpoint is a parsed URL: the network to dial/listen on, the address,
// and whether the byte stream is wrapped in TLS.
type endpoint struct {
	network string
	addr    string
	host    string
	tls     bool
}

func parseEndpoint(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("%w: %w", ErrURLInvalid, err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return endpoint{}, fmt.Errorf("%w: unix URL has no path: %q", ErrURLInvalid, raw)
		}
		return endpoint{network: "unix", addr: u.Path}, nil
	case "tcp", "tls":
		if u.Host == "" || u.Port() == "" {
			return endpoint{}, fmt.Errorf("%w: %q needs host:port", ErrURLInvalid, raw)
		}
		return endpoint{
			network: "tcp",
			addr:    u.Host,
			host:    u.Hostname(),
			tls:     u.Scheme == "tls",
		}, nil
	default:
		return endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrURLInvalid, u.Scheme)
	}
}
