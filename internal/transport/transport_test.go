package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

const deniedPage = "<html><head><title> Access denied </title></head><body>no</body></html>"

func newTestTransport(scope ...string) *HTTPTransport {
	return New(config.TransportConfig{
		Timeout: 5 * time.Second,
		Scope:   scope,
	}, NewMemoryExchangeStore(), logger.NewNop(), telemetry.NewNoop())
}

func TestSendStoresExchange(t *testing.T) {
	var gotCookie, gotBody, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotAgent = r.Header.Get("User-Agent")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, deniedPage)
	}))
	defer server.Close()

	tr := newTestTransport()
	header := http.Header{}
	header.Set("Cookie", "session=bob")

	exchange, err := tr.Send(context.Background(), &types.RequestSpec{
		Method: "POST",
		URL:    server.URL + "/admin?x=1",
		Header: header,
		Body:   []byte("a=b"),
	})
	require.NoError(t, err)

	assert.Equal(t, "session=bob", gotCookie)
	assert.Equal(t, "a=b", gotBody)
	assert.Empty(t, gotAgent)

	require.NotEmpty(t, exchange.ID)
	assert.Equal(t, "/admin?x=1", exchange.Request.Path)
	assert.Contains(t, exchange.Request.Raw, "POST /admin?x=1 HTTP/1.1\r\n")

	require.NotNil(t, exchange.Response)
	assert.Equal(t, http.StatusForbidden, exchange.Response.StatusCode)
	assert.Contains(t, exchange.Response.Raw, "HTTP/1.1 403 Forbidden\r\n")
	assert.Equal(t, len(exchange.Response.Raw), exchange.Response.Length)
	assert.Equal(t, "Access denied", exchange.Response.Title)
	assert.Equal(t, murmur3.Sum32([]byte(deniedPage)), exchange.Response.Fingerprint)

	stored, err := tr.Get(context.Background(), exchange.ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.Response.Raw, stored.Response.Raw)
}

func TestSendDoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer server.Close()

	exchange, err := newTestTransport().Send(context.Background(), &types.RequestSpec{
		Method: "GET",
		URL:    server.URL + "/private",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, exchange.Response.StatusCode)
}

func TestSendFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestTransport().Send(context.Background(), &types.RequestSpec{Method: "GET", URL: url + "/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransport)

	var terr *core.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "send", terr.Op)
}

func TestSendRejectsRelativeURL(t *testing.T) {
	_, err := newTestTransport().Send(context.Background(), &types.RequestSpec{Method: "GET", URL: "/relative"})
	assert.ErrorIs(t, err, core.ErrTransport)
}

func TestGetUnknownExchange(t *testing.T) {
	_, err := newTestTransport().Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Contains(t, err.Error(), "request not found")
}

func TestGetReturnsCopies(t *testing.T) {
	tr := newTestTransport()
	recorded, err := tr.Record(context.Background(), &types.Exchange{
		Request: types.HTTPRequest{Method: "GET", Host: "example.com", Port: 80, Path: "/"},
	})
	require.NoError(t, err)

	first, err := tr.Get(context.Background(), recorded.ID)
	require.NoError(t, err)
	first.Request.Path = "/changed"

	second, err := tr.Get(context.Background(), recorded.ID)
	require.NoError(t, err)
	assert.Equal(t, "/", second.Request.Path)
}

// gatedStore holds every read until release is closed and fails reads whose
// context was cancelled in the meantime.
type gatedStore struct {
	*MemoryExchangeStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Get(ctx context.Context, id string) (*types.Exchange, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.MemoryExchangeStore.Get(ctx, id)
}

func TestGetSharedLookupSurvivesCancelledCaller(t *testing.T) {
	store := &gatedStore{
		MemoryExchangeStore: NewMemoryExchangeStore(),
		started:             make(chan struct{}),
		release:             make(chan struct{}),
	}
	require.NoError(t, store.Put(context.Background(), &types.Exchange{ID: "ex-1"}))
	tr := New(config.TransportConfig{Timeout: 5 * time.Second}, store, logger.NewNop(), telemetry.NewNoop())

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := tr.Get(ctx, "ex-1")
		first <- err
	}()
	<-store.started

	second := make(chan error, 1)
	go func() {
		ex, err := tr.Get(context.Background(), "ex-1")
		if err == nil && ex.ID != "ex-1" {
			err = fmt.Errorf("unexpected exchange %q", ex.ID)
		}
		second <- err
	}()

	cancel()
	err := <-first
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, core.ErrTransport)

	close(store.release)
	assert.NoError(t, <-second)
}

func TestRecordFillsMissingFields(t *testing.T) {
	tr := newTestTransport()

	recorded, err := tr.Record(context.Background(), &types.Exchange{
		Request: types.HTTPRequest{Method: "GET", Host: "example.com", Port: 443, Path: "/me", IsTLS: true},
		Response: &types.HTTPResponse{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/html"}},
			Body:       []byte("<title>Profile</title>"),
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, recorded.ID)
	assert.False(t, recorded.CreatedAt.IsZero())
	assert.Contains(t, recorded.Request.Raw, "GET /me HTTP/1.1\r\nHost: example.com\r\n")
	assert.Contains(t, recorded.Response.Raw, "HTTP/1.1 200 OK\r\n")
	assert.Equal(t, "Profile", recorded.Response.Title)
	assert.Equal(t, len(recorded.Response.Raw), recorded.Response.Length)
}

func TestRecordKeepsGivenRaw(t *testing.T) {
	tr := newTestTransport()
	raw := "HTTP/1.1 401 Unauthorized\r\n\r\n"

	recorded, err := tr.Record(context.Background(), &types.Exchange{
		ID:       "fixed",
		Request:  types.HTTPRequest{Method: "GET", Host: "example.com", Port: 80, Path: "/", Raw: "GET / HTTP/1.1\r\n\r\n"},
		Response: &types.HTTPResponse{StatusCode: 401, Raw: raw},
	})
	require.NoError(t, err)

	assert.Equal(t, "fixed", recorded.ID)
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", recorded.Request.Raw)
	assert.Equal(t, raw, recorded.Response.Raw)
	assert.Equal(t, len(raw), recorded.Response.Length)
}

func TestMatchesAndInScope(t *testing.T) {
	tr := newTestTransport("*.example.com", "!static.example.com")
	req := &types.HTTPRequest{Method: "GET", Host: "api.example.com", Port: 443, Path: "/v1", IsTLS: true}

	assert.True(t, tr.Matches("", req))
	assert.True(t, tr.Matches(`request.path.startsWith("/v1")`, req))
	assert.False(t, tr.Matches(`request.method === "POST"`, req))
	assert.False(t, tr.Matches(`this is not javascript (`, req))

	assert.True(t, tr.InScope(req))
	assert.False(t, tr.InScope(&types.HTTPRequest{Host: "static.example.com"}))
	assert.False(t, tr.InScope(&types.HTTPRequest{Host: "example.org"}))
}

func TestParseResponse(t *testing.T) {
	raw := "HTTP/1.1 403 Forbidden\nContent-Type: text/html\nContent-Length: 22\n\n<title>Nope</title>..."

	resp, err := ParseResponse(raw)
	require.NoError(t, err)

	assert.Equal(t, 403, resp.StatusCode)
	assert.Equal(t, raw, resp.Raw)
	assert.Equal(t, len(raw), resp.Length)
	assert.Equal(t, "Nope", resp.Title)

	_, err = ParseResponse("garbage")
	assert.ErrorIs(t, err, core.ErrMalformedInput)
}
