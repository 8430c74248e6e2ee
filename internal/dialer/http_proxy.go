package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProxyDialer dials outbound TCP connections via an HTTP or HTTPS proxy
// using the HTTP CONNECT method.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	id       string
	auth     string
	direct   *DirectDialer

	// tlsConfig is cloned for every HTTPS proxy connection.
	tlsConfig *tls.Config
}

// NewHTTPProxyDialer constructs an HTTP CONNECT dialer for proxyURL.
//
// If username is non-empty, Proxy-Authorization is set using HTTP Basic auth.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	if proxyURL == nil {
		return nil, errors.New("http proxy dialer: missing proxy url")
	}
	if proxyURL.Hostname() == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}
	if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	auth := ""
	if username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	return &HTTPProxyDialer{
		cfg:       cfg,
		proxyURL:  proxyURL,
		id:        providerID(proxyURL.Scheme, username, proxyURL.Host),
		auth:      auth,
		direct:    NewDirectDialer(cfg),
		tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: proxyURL.Hostname()},
	}, nil
}

func (f *HTTPProxyDialer) ID() string {
	return f.id
}

// ProxyAddr returns the proxy host:port.
func (f *HTTPProxyDialer) ProxyAddr() string {
	return f.proxyURL.Host
}

// DialContext establishes a TCP connection to address via the configured
// HTTP/HTTPS proxy, returned as a net.Conn.
//
// For HTTPS proxies, this performs a TLS handshake to the proxy before sending
// CONNECT. Negotiation is bounded by NegotiationTimeout and aborted if ctx is
// cancelled.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	c, err = f.negotiate(ctx, c, address)

	if !stop() {
		err = errors.Join(ctx.Err(), err)
	}
	if err != nil {
		if c != nil {
			_ = c.Close()
		}
		return nil, err
	}

	_ = c.SetDeadline(time.Time{})
	return c, nil
}

// negotiate runs TLS (for https) and CONNECT on c. It returns the connection
// to use from now on, which may wrap c.
func (f *HTTPProxyDialer) negotiate(ctx context.Context, c net.Conn, address string) (net.Conn, error) {
	if f.proxyURL.Scheme == "https" {
		tlsConn := tls.Client(c, f.tlsConfig.Clone())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return c, fmt.Errorf("http proxy connect tls handshake: %w", err)
		}
		c = tlsConn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}

	if err := req.Write(c); err != nil {
		return c, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return c, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return c, &ConnectError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// ConnectError is a non-2xx answer to CONNECT.
type ConnectError struct {
	StatusCode int
	Status     string
}

func (e *ConnectError) Error() string {
	return "http proxy connect failed: " + e.Status
}

// Unreachable reports answers meaning the proxy could not reach the target.
func (e *ConnectError) Unreachable() bool {
	return e.StatusCode == http.StatusBadGateway || e.StatusCode == http.StatusServiceUnavailable ||
		e.StatusCode == http.StatusGatewayTimeout
}

// bufferedConn serves bytes the proxy sent right behind its CONNECT answer
// before reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) NetConn() net.Conn {
	return c.Conn
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
