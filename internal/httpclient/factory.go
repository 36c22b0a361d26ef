// Package httpclient builds the HTTP clients used to replay captured requests.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
)

type ReplayClientConfig struct {
	Timeout time.Duration
	// BlockPrivateIPs refuses to dial loopback, private and link-local
	// addresses. Off by default since targets usually run locally.
	BlockPrivateIPs    bool
	InsecureSkipVerify bool
	FollowRedirects    bool
	MaxRedirects       int
}

func DefaultConfig() ReplayClientConfig {
	return ReplayClientConfig{
		Timeout:            30 * time.Second,
		BlockPrivateIPs:    false,
		InsecureSkipVerify: true,
		FollowRedirects:    false,
		MaxRedirects:       10,
	}
}

// FromTransport maps the transport section of the config file.
func FromTransport(cfg config.TransportConfig) ReplayClientConfig {
	out := DefaultConfig()
	if cfg.Timeout > 0 {
		out.Timeout = cfg.Timeout
	}
	out.BlockPrivateIPs = cfg.BlockPrivateIPs
	out.InsecureSkipVerify = cfg.InsecureSkipVerify
	out.FollowRedirects = cfg.FollowRedirects
	return out
}

// NewReplayClient creates a client that speaks HTTP/1.1 only, so the raw
// status line of every replay is comparable against HTTP/1.1 success
// patterns. Redirects are returned as-is unless FollowRedirects is set.
func NewReplayClient(cfg ReplayClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cfg.BlockPrivateIPs {
				if err := validateAddress(addr); err != nil {
					return nil, fmt.Errorf("SSRF protection: %w", err)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- targets commonly use self-signed certs
		},
		// A non-nil empty map disables the HTTP/2 upgrade.
		TLSNextProto:       map[string]func(string, *tls.Conn) http.RoundTripper{},
		ForceAttemptHTTP2:  false,
		DisableCompression: true,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if cfg.MaxRedirects > 0 && len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			if cfg.BlockPrivateIPs {
				if err := validateURL(req.URL); err != nil {
					return fmt.Errorf("SSRF protection on redirect: %w", err)
				}
			}
			return nil
		}
	}

	return client
}

func validateAddress(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("blocked private IP: %s", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("blocked private IP: %s (%s)", ip, host)
		}
	}

	return nil
}

func validateURL(u *url.URL) error {
	if u == nil || u.Hostname() == "" {
		return fmt.Errorf("redirect target has no host")
	}
	return validateAddress(u.Host)
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}

// DoWithContext performs req bound to ctx and reports cancellation distinctly.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	return resp, nil
}

// CloseBody drains and closes resp.Body so the connection can be reused.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	if err := resp.Body.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close HTTP response body: %v\n", err)
	}
}
