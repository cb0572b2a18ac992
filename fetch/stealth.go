package fetch

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/types"
)

// Named ClientHello profiles the stealth fetcher can impersonate.
var helloProfiles = map[string]utls.ClientHelloID{
	"chrome":  utls.HelloChrome_Auto,
	"firefox": utls.HelloFirefox_Auto,
	"safari":  utls.HelloSafari_Auto,
	"edge":    utls.HelloEdge_Auto,
	"ios":     utls.HelloIOS_Auto,
}

// NewStealth builds a fetcher whose TLS handshake impersonates a real
// browser. The retry loop, byte cap and result shape are the plain
// fetcher's; only the transport differs. An unknown impersonation
// profile reports stealth_unavailable.
func NewStealth(settings config.FetchSettings, logger *log.Logger) (*Client, error) {
	profile := strings.ToLower(strings.TrimSpace(settings.Impersonate))
	if profile == "" {
		profile = "chrome"
	}
	helloID, ok := helloProfiles[profile]
	if !ok {
		return nil, types.NewCodedError(types.CodeStealthUnavailable,
			fmt.Errorf("unknown impersonation profile %q", profile))
	}

	c := &Client{
		settings:   settings,
		logger:     logger,
		transports: map[string]http.RoundTripper{},
	}
	c.transport = func(proxyURL string) (http.RoundTripper, error) {
		fallback, err := plainTransport(proxyURL)
		if err != nil {
			return nil, err
		}
		return &stealthTransport{helloID: helloID, proxyURL: proxyURL, fallback: fallback}, nil
	}
	return c, nil
}

// stealthTransport dials each HTTPS request with an impersonated
// ClientHello and speaks HTTP/2 or HTTP/1.1 depending on what ALPN
// negotiated. Plain-HTTP URLs have no TLS surface to disguise and fall
// through to the normal transport.
type stealthTransport struct {
	helloID  utls.ClientHelloID
	proxyURL string
	fallback http.RoundTripper
}

func (t *stealthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.fallback.RoundTrip(req)
	}

	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = "443"
	}
	addr := net.JoinHostPort(host, port)

	conn, err := t.dial(req.Context(), addr)
	if err != nil {
		return nil, err
	}

	uconn := utls.UClient(conn, &utls.Config{ServerName: host}, t.helloID)
	if err := uconn.HandshakeContext(req.Context()); err != nil {
		conn.Close()
		return nil, err
	}

	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		cc, err := (&http2.Transport{}).NewClientConn(uconn)
		if err != nil {
			uconn.Close()
			return nil, err
		}
		return cc.RoundTrip(req)
	}

	if err := req.Write(uconn); err != nil {
		uconn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(uconn), req)
	if err != nil {
		uconn.Close()
		return nil, err
	}
	resp.Body = &connBody{ReadCloser: resp.Body, conn: uconn}
	return resp, nil
}

// dial opens the TCP leg, tunneling through the HTTP proxy via CONNECT
// when one is configured.
func (t *stealthTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	var dialer net.Dialer
	if t.proxyURL == "" {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	proxy, err := url.Parse(t.proxyURL)
	if err != nil {
		return nil, err
	}
	proxyAddr := proxy.Host
	if proxy.Port() == "" {
		proxyAddr = net.JoinHostPort(proxy.Hostname(), "80")
	}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}

	connect := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if user := proxy.User; user != nil {
		password, _ := user.Password()
		credentials := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + password))
		connect.Header.Set("Proxy-Authorization", "Basic "+credentials)
	}
	if err := connect.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), connect)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT to %s: %s", addr, resp.Status)
	}
	return conn, nil
}

// connBody ties the connection's lifetime to the response body. The
// transport does not pool stealth connections.
type connBody struct {
	io.ReadCloser
	conn net.Conn
}

func (b *connBody) Close() error {
	err := b.ReadCloser.Close()
	b.conn.Close()
	return err
}
