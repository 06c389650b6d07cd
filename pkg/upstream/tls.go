package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// fingerprintTransport dials TLS with a Chrome client hello. Some CDNs in
// front of the origin reject the Go TLS fingerprint outright. HTTP/2 is
// tried first, servers that only speak HTTP/1.1 fall back to h1.
type fingerprintTransport struct {
	h2 *http2.Transport
	h1 *http.Transport
}

func newFingerprintTransport(timeout time.Duration) *fingerprintTransport {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	h1 := http.DefaultTransport.(*http.Transport).Clone()
	h1.ResponseHeaderTimeout = timeout
	h1.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialFingerprint(ctx, dialer, network, addr, []string{"http/1.1"})
	}

	return &fingerprintTransport{
		h2: &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialFingerprint(ctx, dialer, network, addr, nil)
			},
			ReadIdleTimeout: timeout,
		},
		h1: h1,
	}
}

func (t *fingerprintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// plain http and requests with a body go straight to h1
	if req.URL.Scheme != "https" || req.Body != nil && req.Body != http.NoBody {
		return t.h1.RoundTrip(req)
	}

	resp, err := t.h2.RoundTrip(req)
	if err == nil {
		return resp, nil
	}

	// do not retry requests the caller has already given up on
	if req.Context().Err() != nil {
		return nil, err
	}

	return t.h1.RoundTrip(req)
}

func dialFingerprint(ctx context.Context, dialer *net.Dialer, network, addr string, protos []string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	tlsConn := utls.UClient(conn, &utls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		NextProtos: protos,
	}, utls.HelloChrome_120)

	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	return tlsConn, nil
}
