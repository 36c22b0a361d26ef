package synthesis

import (
	"net/http"
	"testing"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFromSpec(t *testing.T) {
	spec := &types.RequestSpec{
		Method: "POST",
		URL:    "https://api.example.com:8443/items?limit=5",
		Header: http.Header{"X-B": {"2"}, "Content-Type": {"application/json"}},
		Body:   []byte(`{"a":1}`),
	}

	req, err := RequestFromSpec(spec)
	require.NoError(t, err)

	assert.Equal(t, "api.example.com", req.Host)
	assert.Equal(t, 8443, req.Port)
	assert.True(t, req.IsTLS)
	assert.Equal(t, "/items?limit=5", req.Path)
	assert.Equal(t,
		"POST /items?limit=5 HTTP/1.1\r\n"+
			"Host: api.example.com:8443\r\n"+
			"Content-Type: application/json\r\n"+
			"X-B: 2\r\n"+
			"Content-Length: 7\r\n"+
			"\r\n"+
			`{"a":1}`,
		req.Raw)
}

func TestRenderedRequestParsesBack(t *testing.T) {
	spec := &types.RequestSpec{
		Method: "GET",
		URL:    "http://localhost:10134/admin",
		Header: http.Header{"Cookie": {"session=1"}},
	}

	req, err := RequestFromSpec(spec)
	require.NoError(t, err)

	parsed, err := ParseRaw(req.Raw)
	require.NoError(t, err)
	assert.Equal(t, spec.URL, parsed.URL)
	assert.Equal(t, "session=1", parsed.Header.Get("Cookie"))
}

func TestRequestFromSpecRejectsRelativeURL(t *testing.T) {
	_, err := RequestFromSpec(&types.RequestSpec{Method: "GET", URL: "/relative"})
	assert.Error(t, err)
}

func TestRenderResponse(t *testing.T) {
	raw := RenderResponse(403, http.Header{"Content-Type": {"text/plain"}}, []byte("no"))
	assert.Equal(t, "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\n\r\nno", raw)
	assert.Regexp(t, "HTTP/1[.]1 403", raw)
}
