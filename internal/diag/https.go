package diag

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/danshapiro/mcpchat/internal/credentials"
	"github.com/danshapiro/mcpchat/internal/tracing"
)

// ProxyEnv is the proxy configuration reported by the HTTPS probe.
type ProxyEnv struct {
	HTTP  string
	HTTPS string
	No    string
}

// HTTPSProbe walks the layers between this host and the tracing API:
// DNS, TCP, TLS, a plain GET, the negotiated protocol, the API endpoints and
// the proxy settings. DNS or TCP failure ends the walk.
type HTTPSProbe struct {
	Endpoint string
	APIKey   string
	Proxy    ProxyEnv

	DialTimeout time.Duration
	Resolver    *net.Resolver

	// TLSConfig is cloned for every connection; nil uses system roots.
	TLSConfig *tls.Config

	// CertExpiryWarning flags certificates closer than this to expiry.
	CertExpiryWarning time.Duration
	Now               func() time.Time
}

func (p *HTTPSProbe) Name() string { return "https" }

func (p *HTTPSProbe) Run(ctx context.Context) []Result {
	endpoint := strings.TrimRight(p.Endpoint, "/")
	if endpoint == "" {
		endpoint = tracing.DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return []Result{fail("parse", "invalid endpoint %q", endpoint)}
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}

	out := []Result{pass("endpoint", "%s", endpoint).
		with("host", host).
		with("api_key", credentials.Mask(p.APIKey))}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return append(out, fail("dns", "resolve %s: %v", host, err))
	}
	out = append(out, pass("dns", "%s -> %s", host, strings.Join(addrs, ", ")))

	dialer := &net.Dialer{Timeout: p.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return append(out, fail("tcp", "connect %s:%s: %v", host, port, err))
	}
	_ = conn.Close()
	out = append(out, pass("tcp", "connected to %s:%s", host, port))

	if u.Scheme == "https" {
		out = append(out, p.checkTLS(ctx, dialer, host, port))
	} else {
		out = append(out, warn("tls", "endpoint is not HTTPS"))
	}

	client, err := p.httpClient()
	if err != nil {
		return append(out, fail("http", "configure transport: %v", err))
	}
	defer client.CloseIdleConnections()

	get, proto := p.checkGET(ctx, client, endpoint)
	out = append(out, get)
	out = append(out, protocolResult(proto))

	tc := tracing.NewClientWithHTTPClient(tracing.Settings{Endpoint: endpoint, APIKey: p.APIKey}, client, nil)
	for _, path := range []string{"/sessions", "/projects"} {
		out = append(out, apiResult(ctx, tc, path))
	}
	return append(out, proxyResult(p.Proxy, host))
}

func (p *HTTPSProbe) dialTimeout() time.Duration {
	if p.DialTimeout > 0 {
		return p.DialTimeout
	}
	return 10 * time.Second
}

func (p *HTTPSProbe) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if p.TLSConfig != nil {
		cfg = p.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

func (p *HTTPSProbe) checkTLS(ctx context.Context, dialer *net.Dialer, host, port string) Result {
	td := &tls.Dialer{NetDialer: dialer, Config: p.tlsConfig(host)}
	conn, err := td.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fail("tls", "handshake: %v", err).hint(
			"check that the certificate is valid",
			"check that the system clock is correct",
			"check that the required CA certificates are installed",
		)
	}
	defer conn.Close()
	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return warn("tls", "handshake ok but no peer certificate")
	}
	leaf := state.PeerCertificates[0]
	res := pass("tls", "%s", tls.VersionName(state.Version)).
		with("subject", leaf.Subject.CommonName).
		with("issuer", leaf.Issuer.CommonName).
		with("not_after", leaf.NotAfter.UTC().Format(time.RFC3339))

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	window := p.CertExpiryWarning
	if window <= 0 {
		window = 14 * 24 * time.Hour
	}
	if leaf.NotAfter.Sub(now()) < window {
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("certificate expires %s", leaf.NotAfter.UTC().Format(time.RFC3339))
	}
	return res
}

// httpClient negotiates HTTP/2 over TLS when the server offers it.
func (p *HTTPSProbe) httpClient() (*http.Client, error) {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: p.dialTimeout()}).DialContext,
		TLSClientConfig:     p.tlsConfig(""),
		TLSHandshakeTimeout: p.dialTimeout(),
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr, Timeout: 10 * time.Second}, nil
}

func (p *HTTPSProbe) checkGET(ctx context.Context, client *http.Client, endpoint string) (Result, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fail("get", "build request: %v", err), ""
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail("get", "request failed: %v", err), ""
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	res := statusResult("get", resp.StatusCode).with("server", resp.Header.Get("Server"))
	return res, resp.Proto
}

func protocolResult(proto string) Result {
	switch {
	case proto == "":
		return fail("protocol", "no response to inspect")
	case strings.HasPrefix(proto, "HTTP/2"):
		return pass("protocol", "%s", proto)
	default:
		return warn("protocol", "%s in use; HTTP/2 was not negotiated", proto).hint(
			"check that proxies or firewalls do not block HTTP/2",
			"check that TLS 1.2 or newer is available",
		)
	}
}

func apiResult(ctx context.Context, tc *tracing.Client, path string) Result {
	name := "api " + path
	code, err := tc.Probe(ctx, path)
	if err != nil {
		return fail(name, "request failed: %v", err)
	}
	return statusResult(name, code)
}

// statusResult maps an HTTP status to a result; auth failures carry hints.
func statusResult(name string, code int) Result {
	switch {
	case code >= 200 && code < 300:
		return pass(name, "status %d", code)
	case code == http.StatusUnauthorized:
		return fail(name, "401 Unauthorized").hint("check that the API key is correct")
	case code == http.StatusForbidden:
		return fail(name, "403 Forbidden").hint(
			"issue a new API key from the LangSmith account",
			"check the account plan and permissions",
			"check access to the project",
		)
	default:
		return warn(name, "status %d", code)
	}
}

func proxyResult(px ProxyEnv, host string) Result {
	if px.HTTP == "" && px.HTTPS == "" {
		return pass("proxy", "no proxy configured")
	}
	res := warn("proxy", "proxy settings may affect API connections").
		with("http_proxy", px.HTTP).
		with("https_proxy", px.HTTPS).
		with("no_proxy", px.No)
	if !strings.Contains(px.No, host) {
		res = res.hint(fmt.Sprintf("add %s to NO_PROXY if the proxy blocks it", host))
	}
	return res
}
