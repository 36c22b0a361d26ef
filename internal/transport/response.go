package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/synthesis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

const maxBodySize = 10 * 1024 * 1024

// Summarize builds the stored view of a response from its parts.
func Summarize(statusCode int, header http.Header, body []byte) *types.HTTPResponse {
	if header == nil {
		header = http.Header{}
	}
	raw := synthesis.RenderResponse(statusCode, header, body)
	return &types.HTTPResponse{
		StatusCode:  statusCode,
		Header:      header,
		Body:        body,
		Raw:         raw,
		Length:      len(raw),
		Fingerprint: murmur3.Sum32(body),
		Title:       pageTitle(header, body),
	}
}

// ParseResponse reads raw HTTP/1.x response text. The raw text is kept as given.
func ParseResponse(raw string) (*types.HTTPResponse, error) {
	text := strings.TrimLeft(raw, "\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(text)), nil)
	if err != nil {
		return nil, core.NewMalformedInputError("raw response", "cannot parse response", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil && len(body) == 0 {
		return nil, core.NewMalformedInputError("raw response", "cannot read body", err)
	}

	summary := Summarize(resp.StatusCode, resp.Header, body)
	summary.Raw = raw
	summary.Length = len(raw)
	return summary, nil
}

func readResponse(resp *http.Response) (*types.HTTPResponse, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return Summarize(resp.StatusCode, resp.Header.Clone(), body), nil
}

func pageTitle(header http.Header, body []byte) string {
	if !strings.Contains(strings.ToLower(header.Get("Content-Type")), "html") || len(body) == 0 {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
