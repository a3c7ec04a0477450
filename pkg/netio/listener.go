package netio

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// ListenerConfig describes an accepting socket.
type ListenerConfig struct {
	// URL to bind: unix://, tcp:// or tls://.
	URL string

	// TLS material, required for tls:// URLs.
	TLS *TLSConfig

	// MaxConns caps the streams accepted and not yet closed. Accept
	// blocks once the cap is reached; closing a stream frees a slot.
	// Zero means no cap.
	MaxConns int

	LogHandler slog.Handler
}

// Listener accepts Streams of a single variant.
type Listener struct {
	inner   net.Listener
	variant Variant
	tlsCfg  *tls.Config
	hsTime  time.Duration
	sem     chan struct{}
	logger  *slog.Logger
}

func Listen(cfg ListenerConfig) (*Listener, error) {
	ep, err := parseEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}

	li := &Listener{variant: VariantTCP}
	if ep.network == "unix" {
		li.variant = VariantUnix
	}

	if ep.tls {
		if cfg.TLS == nil {
			return nil, fmt.Errorf("%w: tls URL without tls material", ErrTLSMaterial)
		}
		li.tlsCfg, err = cfg.TLS.server()
		if err != nil {
			return nil, err
		}
		li.hsTime = cfg.TLS.handshakeTimeout()
		li.variant = VariantTLS
	}

	li.inner, err = net.Listen(ep.network, ep.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if cfg.MaxConns > 0 {
		li.sem = make(chan struct{}, cfg.MaxConns)
	}

	if cfg.LogHandler != nil {
		li.logger = slog.New(cfg.LogHandler)
	} else {
		li.logger = slog.Default()
	}

	return li, nil
}

func (li *Listener) Addr() net.Addr {
	return li.inner.Addr()
}

func (li *Listener) Close() error {
	return li.inner.Close()
}

// Accept returns the next established Stream. For TLS listeners the
// handshake happens here, bounded by the handshake timeout; a failed
// handshake is returned as an error wrapping ErrHandshake and the caller
// is expected to keep accepting.
func (li *Listener) Accept(ctx context.Context) (*Stream, error) {
	if li.sem != nil {
		select {
		case li.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	release := func() {}
	if li.sem != nil {
		release = func() { <-li.sem }
	}

	stream, err := li.acceptOne(ctx)
	if err != nil {
		release()
		return nil, err
	}
	stream.release = release
	return stream, nil
}

func (li *Listener) acceptOne(ctx context.Context) (*Stream, error) {
	type deadliner interface {
		SetDeadline(time.Time) error
	}

	// unblock a pending Accept when ctx fires
	if dl, ok := li.inner.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() {
			dl.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			stop()
			dl.SetDeadline(time.Time{})
		}()
	}

	conn, err := li.inner.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if li.tlsCfg == nil {
		return &Stream{Conn: conn, variant: li.variant}, nil
	}

	tconn := tls.Server(conn, li.tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, li.hsTime)
	err = tconn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		conn.Close()
		li.logger.Debug("inbound tls handshake failed",
			"remote", conn.RemoteAddr().String(),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	return &Stream{Conn: tconn, variant: li.variant}, nil
}
