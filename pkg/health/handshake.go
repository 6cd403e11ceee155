package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/psinet-ops/psinet/pkg/handshake"
	"github.com/psinet-ops/psinet/pkg/security"
	"github.com/psinet-ops/psinet/pkg/types"
)

const maxHandshakeBody = 1 << 20

// HandshakeChecker performs a handshake over HTTPS, trusting only the
// server's own self-signed certificate
type HandshakeChecker struct {
	// URL is the full handshake URL including the server secret
	URL string

	// Client is the HTTP client to use
	Client *http.Client
}

// NewHandshakeChecker builds a checker for the server's web endpoint
func NewHandshakeChecker(server *types.Server, timeout time.Duration) (*HandshakeChecker, error) {
	q := url.Values{}
	q.Set("server_secret", server.WebServerSecret)
	q.Set("propagation_channel_id", server.PropagationChannelID)
	q.Set("client_platform", string(types.PlatformWindows))
	q.Set("client_version", "0")
	u := url.URL{
		Scheme:   "https",
		Host:     net.JoinHostPort(server.IPAddress, strconv.Itoa(server.WebServerPort)),
		Path:     "/handshake",
		RawQuery: q.Encode(),
	}
	return NewHandshakeCheckerForURL(u.String(), server.WebServerCertificate, timeout)
}

// NewHandshakeCheckerForURL builds a checker trusting certificate, the
// base64 DER web server certificate
func NewHandshakeCheckerForURL(rawURL, certificate string, timeout time.Duration) (*HandshakeChecker, error) {
	pool, err := security.CertificatePool(certificate)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HandshakeChecker{
		URL: rawURL,
		Client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
			},
		},
	}, nil
}

// Check performs the handshake and parses the response
func (h *HandshakeChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, "failed to create request", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHandshakeBody))
	if err != nil {
		return failed(start, "failed to read response", err)
	}
	parsed, err := handshake.Decode(body)
	if err != nil {
		return failed(start, "invalid handshake response", err)
	}
	return passed(start, fmt.Sprintf("handshake ok, %d homepages, %d servers", len(parsed.Homepages), len(parsed.EncodedServerList)))
}

// Type returns the health check type
func (h *HandshakeChecker) Type() CheckType {
	return CheckTypeHandshake
}
