// Package synthesis turns templates and users into concrete outbound
// requests and parses raw HTTP text back into request specs.
package synthesis

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// Build produces the replay of tmpl as user. base is the template's stored
// request; its headers and body are carried over, then the template meta
// decides where the request goes and the user's attributes are overlaid.
func Build(tmpl types.Template, base *types.HTTPRequest, user types.User, subs []types.Substitution) (*types.RequestSpec, error) {
	if base == nil {
		return nil, fmt.Errorf("template %s has no base request", tmpl.ID)
	}

	target, err := BuildURL(tmpl.Meta.IsTLS, tmpl.Meta.Host, tmpl.Meta.Port, ApplySubstitutions(tmpl.Meta.Path, subs))
	if err != nil {
		return nil, err
	}

	method := tmpl.Meta.Method
	if method == "" {
		method = base.Method
	}

	header := base.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	// Host and framing follow the target URL and the body actually sent.
	header.Del("Host")
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	spec := &types.RequestSpec{
		Method: method,
		URL:    target,
		Header: header,
		Body:   append([]byte(nil), base.Body...),
	}

	ApplyUser(spec, user)
	return spec, nil
}

// ApplyUser overlays the user's cookies and headers onto spec.
func ApplyUser(spec *types.RequestSpec, user types.User) {
	if cookies := user.AttributesOfKind(types.AttributeCookie); len(cookies) > 0 {
		spec.Header.Set("Cookie", OverlayCookies(spec.Header.Values("Cookie"), cookies))
	}
	for _, h := range user.AttributesOfKind(types.AttributeHeader) {
		spec.Header.Set(h.Name, h.Value)
	}
}

// OverlayCookies merges cookie attributes into the existing Cookie header
// values. Existing cookies keep their position, overridden ones take the
// attribute value in place and new ones are appended in attribute order.
func OverlayCookies(existing []string, attrs []types.Attribute) string {
	var names []string
	values := make(map[string]string)

	set := func(name, value string) {
		if _, ok := values[name]; !ok {
			names = append(names, name)
		}
		values[name] = value
	}

	for _, line := range existing {
		for _, part := range strings.Split(line, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || name == "" {
				continue
			}
			set(name, value)
		}
	}
	for _, a := range attrs {
		set(a.Name, a.Value)
	}

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+values[name])
	}
	return strings.Join(pairs, "; ")
}

// ApplySubstitutions replaces every literal occurrence of each pattern, in
// order. Empty patterns are ignored.
func ApplySubstitutions(path string, subs []types.Substitution) string {
	for _, s := range subs {
		if s.Pattern == "" {
			continue
		}
		path = strings.ReplaceAll(path, s.Pattern, s.Replacement)
	}
	return path
}

// BuildURL assembles an absolute URL, omitting the port when it is the
// scheme default. Non-ASCII hosts are converted to their punycode form.
func BuildURL(isTLS bool, host string, port int, path string) (string, error) {
	ascii, err := NormalizeHost(host)
	if err != nil {
		return "", err
	}

	scheme := "http"
	if isTLS {
		scheme = "https"
	}

	hostport := ascii
	if port != 0 && port != types.DefaultPort(isTLS) {
		hostport = net.JoinHostPort(ascii, strconv.Itoa(port))
	} else if strings.Contains(ascii, ":") {
		hostport = "[" + ascii + "]"
	}

	if path == "" || (path[0] != '/' && path[0] != '?') {
		path = "/" + path
	}
	return scheme + "://" + hostport + path, nil
}

// NormalizeHost lowercases host and applies IDNA to non-ASCII names.
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("invalid host %q: %w", host, err)
		}
		host = ascii
	}
	return strings.ToLower(host), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
