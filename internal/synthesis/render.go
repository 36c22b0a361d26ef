package synthesis

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// RequestFromSpec describes spec as the transport would put it on the wire.
func RequestFromSpec(spec *types.RequestSpec) (*types.HTTPRequest, error) {
	u, err := url.Parse(spec.URL)
	if err != nil || u.Host == "" {
		return nil, core.NewMalformedInputError("request url", strconv.Quote(spec.URL), err)
	}

	meta, err := spec.Meta()
	if err != nil {
		return nil, core.NewMalformedInputError("request url", strconv.Quote(spec.URL), err)
	}

	header := spec.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	req := &types.HTTPRequest{
		Method: spec.Method,
		Host:   meta.Host,
		Port:   meta.Port,
		Path:   meta.Path,
		IsTLS:  meta.IsTLS,
		Header: header,
		Body:   append([]byte(nil), spec.Body...),
	}
	req.Raw = RenderRequest(req)
	return req, nil
}

// RenderRequest renders req as HTTP/1.1 text. Host comes first, the other
// headers follow in sorted order.
func RenderRequest(req *types.HTTPRequest) string {
	var b strings.Builder

	path := req.Path
	if path == "" {
		path = "/"
	}
	b.WriteString(req.Method + " " + path + " HTTP/1.1\r\n")

	host := req.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if req.Port != 0 && req.Port != types.DefaultPort(req.IsTLS) {
		host = net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	}
	b.WriteString("Host: " + host + "\r\n")

	writeHeaders(&b, req.Header, "Host")
	if len(req.Body) > 0 && req.Header.Get("Content-Length") == "" {
		b.WriteString("Content-Length: " + strconv.Itoa(len(req.Body)) + "\r\n")
	}
	b.WriteString("\r\n")
	b.Write(req.Body)
	return b.String()
}

// RenderResponse renders a response status, headers and body as HTTP/1.1 text.
func RenderResponse(statusCode int, header http.Header, body []byte) string {
	var b strings.Builder

	text := http.StatusText(statusCode)
	if text == "" {
		text = "Status"
	}
	b.WriteString("HTTP/1.1 " + strconv.Itoa(statusCode) + " " + text + "\r\n")
	writeHeaders(&b, header)
	b.WriteString("\r\n")
	b.Write(body)
	return b.String()
}

func writeHeaders(b *strings.Builder, header http.Header, skip ...string) {
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		skipped := false
		for _, s := range skip {
			if strings.EqualFold(k, s) {
				skipped = true
			}
		}
		if skipped {
			continue
		}
		for _, v := range header[k] {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
}
