package types

import (
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RequestSpec is a concrete outbound request ready to be handed to a transport.
type RequestSpec struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body,omitempty"`
}

func (s *RequestSpec) Clone() *RequestSpec {
	out := *s
	out.Header = s.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Body = append([]byte(nil), s.Body...)
	return &out
}

// Meta derives template metadata from the spec URL. Ports are always explicit.
func (s *RequestSpec) Meta() (TemplateMeta, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return TemplateMeta{}, err
	}

	isTLS := u.Scheme == "https"
	port := DefaultPort(isTLS)
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return TemplateMeta{
		Host:   u.Hostname(),
		Port:   port,
		Path:   path,
		IsTLS:  isTLS,
		Method: s.Method,
	}, nil
}

// DefaultPort returns the conventional port for the scheme.
func DefaultPort(isTLS bool) int {
	if isTLS {
		return 443
	}
	return 80
}

// HTTPRequest is the transport's record of a request that was sent or observed.
type HTTPRequest struct {
	Method string      `json:"method"`
	Host   string      `json:"host"`
	Port   int         `json:"port"`
	Path   string      `json:"path"`
	IsTLS  bool        `json:"isTls"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body,omitempty"`
	Raw    string      `json:"raw"`
}

// URL rebuilds the absolute URL, omitting the port when it is the scheme default.
func (r *HTTPRequest) URL() string {
	scheme := "http"
	if r.IsTLS {
		scheme = "https"
	}

	host := r.Host
	if r.Port != 0 && r.Port != DefaultPort(r.IsTLS) {
		host = host + ":" + strconv.Itoa(r.Port)
	}

	path := r.Path
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

type HTTPResponse struct {
	StatusCode  int         `json:"statusCode"`
	Header      http.Header `json:"header"`
	Body        []byte      `json:"body,omitempty"`
	Raw         string      `json:"raw"`
	Length      int         `json:"length"`
	Fingerprint uint32      `json:"fingerprint"`
	Title       string      `json:"title,omitempty"`
}

// Exchange is one request/response pair held by the transport under an opaque id.
type Exchange struct {
	ID        string        `json:"id"`
	Request   HTTPRequest   `json:"request"`
	Response  *HTTPResponse `json:"response,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// RawMessage is the raw-text view of a request or response.
type RawMessage struct {
	ID  string `json:"id"`
	Raw string `json:"raw"`
}

// RequestResponse is returned by request/response lookups.
type RequestResponse struct {
	Request  RawMessage  `json:"request"`
	Response *RawMessage `json:"response,omitempty"`
}
