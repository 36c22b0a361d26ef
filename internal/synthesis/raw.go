// internal/synthesis/raw.go
//
// Raw HTTP/1.1 request parsing and serialization
//
package synthesis

import (
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

const rawSource = "raw request"

// ParseRaw parses raw HTTP/1.x request text into a spec with an absolute URL.
// Line endings may be CRLF or bare LF. The scheme and port are taken from
// the Host header or, failing that, from X-Forwarded-Proto, Forwarded and
// X-Forwarded-Port. Every failure is a *core.MalformedInputError.
func ParseRaw(raw string) (*types.RequestSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, core.NewMalformedInputError(rawSource, "empty request", nil)
	}

	head, body := splitHead(raw)
	lines := strings.Split(head, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	// Leading blank lines are tolerated before the request line
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return nil, core.NewMalformedInputError(rawSource, "missing request line", nil)
	}

	method, target, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, core.NewMalformedInputError(rawSource, "invalid header line "+strconv.Quote(line), nil)
		}
		header.Add(textproto.CanonicalMIMEHeaderKey(name), strings.TrimSpace(value))
	}

	var (
		isTLS    bool
		host     string
		port     int
		path     = target
		explicit bool
	)

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil {
			return nil, core.NewMalformedInputError(rawSource, "invalid absolute target", err)
		}
		isTLS = u.Scheme == "https"
		host = u.Hostname()
		if p := u.Port(); p != "" {
			if port, err = parsePort(p); err != nil {
				return nil, err
			}
			explicit = true
		}
		path = u.RequestURI()
	} else {
		hostHeader := header.Get("Host")
		if hostHeader == "" {
			return nil, core.NewMalformedInputError(rawSource, "missing Host header", nil)
		}
		host, port, explicit, err = splitHost(hostHeader)
		if err != nil {
			return nil, err
		}
		isTLS = forwardedTLS(header)
	}

	if !explicit {
		if p := header.Get("X-Forwarded-Port"); p != "" {
			if port, err = parsePort(p); err != nil {
				return nil, err
			}
			if port == 443 && header.Get("X-Forwarded-Proto") == "" && forwardedProto(header) == "" {
				isTLS = true
			}
		} else {
			port = types.DefaultPort(isTLS)
		}
	}

	full, err := BuildURL(isTLS, host, port, path)
	if err != nil {
		return nil, core.NewMalformedInputError(rawSource, "invalid host", err)
	}

	header.Del("Host")
	header.Del("Content-Length")

	var payload []byte
	if body != "" {
		payload = []byte(body)
	}

	return &types.RequestSpec{
		Method: method,
		URL:    full,
		Header: header,
		Body:   payload,
	}, nil
}

// splitHead separates the header block from the body at the first blank line.
func splitHead(raw string) (string, string) {
	crlf := strings.Index(raw, "\r\n\r\n")
	lf := strings.Index(raw, "\n\n")

	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf], raw[lf+2:]
	}
	return raw, ""
}

func parseRequestLine(line string) (method, target string, err error) {
	parts := strings.Fields(line)
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", core.NewMalformedInputError(rawSource, "invalid request line "+strconv.Quote(line), nil)
	}
	if len(parts) == 3 && !strings.HasPrefix(parts[2], "HTTP/") {
		return "", "", core.NewMalformedInputError(rawSource, "invalid protocol version "+strconv.Quote(parts[2]), nil)
	}

	method = parts[0]
	for _, r := range method {
		if r < 'A' || r > 'Z' {
			return "", "", core.NewMalformedInputError(rawSource, "invalid method "+strconv.Quote(method), nil)
		}
	}

	target = parts[1]
	if !strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return "", "", core.NewMalformedInputError(rawSource, "invalid request target "+strconv.Quote(target), nil)
	}
	return method, target, nil
}

func splitHost(hostHeader string) (host string, port int, explicit bool, err error) {
	hostHeader = strings.TrimSpace(hostHeader)

	h, p, splitErr := net.SplitHostPort(hostHeader)
	if splitErr != nil {
		// No port component; a bare IPv6 literal arrives bracketed
		return strings.TrimSuffix(strings.TrimPrefix(hostHeader, "["), "]"), 0, false, nil
	}
	if h == "" {
		return "", 0, false, core.NewMalformedInputError(rawSource, "empty host in Host header", nil)
	}
	if port, err = parsePort(p); err != nil {
		return "", 0, false, err
	}
	return h, port, true, nil
}

func parsePort(p string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(p))
	if err != nil || n < 1 || n > 65535 {
		return 0, core.NewMalformedInputError(rawSource, "invalid port "+strconv.Quote(p), err)
	}
	return n, nil
}

func forwardedTLS(header http.Header) bool {
	if proto := header.Get("X-Forwarded-Proto"); proto != "" {
		return strings.EqualFold(strings.TrimSpace(strings.Split(proto, ",")[0]), "https")
	}
	return strings.EqualFold(forwardedProto(header), "https")
}

// forwardedProto extracts proto= from the first element of an RFC 7239
// Forwarded header.
func forwardedProto(header http.Header) string {
	fwd := header.Get("Forwarded")
	if fwd == "" {
		return ""
	}
	first := strings.Split(fwd, ",")[0]
	for _, pair := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && strings.EqualFold(k, "proto") {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}
