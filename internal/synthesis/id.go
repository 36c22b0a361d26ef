package synthesis

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// TemplateID derives the content address of a request: method, URL and body
// hash, plus the values of each dedupe header in the configured order.
// Capturing the same logical request twice therefore yields the same id.
func TemplateID(method, url string, body []byte, header http.Header, dedupeHeaders []string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteString("~")
	b.WriteString(url)
	b.WriteString("~")
	b.WriteString(hashHex(body))
	for _, h := range dedupeHeaders {
		b.WriteString("~")
		b.WriteString(strings.Join(header.Values(h), "~"))
	}
	return hashHex([]byte(b.String()))
}

// TemplateIDForRequest is TemplateID over an observed request.
func TemplateIDForRequest(req *types.HTTPRequest, dedupeHeaders []string) string {
	target, err := BuildURL(req.IsTLS, req.Host, req.Port, req.Path)
	if err != nil {
		target = req.URL()
	}
	return TemplateID(req.Method, target, req.Body, req.Header, dedupeHeaders)
}

// TemplateIDForSpec is TemplateID over an outbound spec.
func TemplateIDForSpec(spec *types.RequestSpec, dedupeHeaders []string) string {
	return TemplateID(spec.Method, spec.URL, spec.Body, spec.Header, dedupeHeaders)
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
