// Package transport sends replayed requests and owns the exchanges they produce.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/synthesis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type HTTPTransport struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	store   ExchangeStore
	filters *FilterEvaluator
	scope   *Scope
	lookups singleflight.Group
	logger  *logger.Logger
	tel     core.Telemetry
}

var _ core.Transport = (*HTTPTransport)(nil)

func New(cfg config.TransportConfig, store ExchangeStore, log *logger.Logger, tel core.Telemetry) *HTTPTransport {
	return &HTTPTransport{
		client:  httpclient.NewReplayClient(httpclient.FromTransport(cfg)),
		limiter: ratelimit.NewLimiter(ratelimit.FromTransport(cfg)),
		store:   store,
		filters: NewFilterEvaluator(),
		scope:   NewScope(cfg.Scope),
		logger:  log.WithComponent("transport"),
		tel:     tel,
	}
}

// Pacing reports the replay limiter's state.
func (t *HTTPTransport) Pacing() ratelimit.Stats {
	return t.limiter.GetStats()
}

// Send performs spec and stores the resulting exchange.
func (t *HTTPTransport) Send(ctx context.Context, spec *types.RequestSpec) (*types.Exchange, error) {
	start := time.Now()

	record, err := synthesis.RequestFromSpec(spec)
	if err != nil {
		t.tel.RecordReplay("invalid")
		return nil, core.NewTransportError("send", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		t.tel.RecordReplay("invalid")
		return nil, core.NewTransportError("send", "", err)
	}
	for name, values := range spec.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		// net/http would otherwise inject its own.
		req.Header.Set("User-Agent", "")
	}

	if err := t.limiter.WaitForHost(ctx, record.Host); err != nil {
		t.tel.RecordReplay("cancelled")
		return nil, core.NewTransportError("send", "", err)
	}

	resp, err := httpclient.DoWithContext(ctx, t.client, req)
	if err != nil {
		t.tel.RecordReplay("failed")
		t.logger.LogError(ctx, err, "transport.Send", "method", spec.Method, "url", spec.URL)
		return nil, core.NewTransportError("send", "", err)
	}
	defer httpclient.CloseBody(resp)

	response, err := readResponse(resp)
	if err != nil {
		t.tel.RecordReplay("failed")
		return nil, core.NewTransportError("send", "", err)
	}

	exchange := &types.Exchange{
		ID:        uuid.New().String(),
		Request:   *record,
		Response:  response,
		CreatedAt: time.Now(),
	}
	if err := t.store.Put(ctx, exchange); err != nil {
		t.tel.RecordReplay("failed")
		return nil, core.NewTransportError("record", exchange.ID, err)
	}

	t.tel.RecordReplay("sent")
	t.logger.LogHTTPRequest(ctx, spec.Method, spec.URL, response.StatusCode, time.Since(start),
		"request_id", exchange.ID,
		"response_length", response.Length,
	)
	return exchange, nil
}

// Get returns the exchange held under requestID. Concurrent lookups of the
// same id share one store read; the read is detached from any single
// caller's cancellation and every caller waits on its own ctx.
func (t *HTTPTransport) Get(ctx context.Context, requestID string) (*types.Exchange, error) {
	readCtx := context.WithoutCancel(ctx)
	lookup := t.lookups.DoChan(requestID, func() (interface{}, error) {
		return t.store.Get(readCtx, requestID)
	})

	var (
		v   interface{}
		err error
	)
	select {
	case <-ctx.Done():
		return nil, core.NewTransportError("get", requestID, ctx.Err())
	case res := <-lookup:
		v, err = res.Val, res.Err
	}
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.NewTransportError("get", requestID, fmt.Errorf("request %w", core.ErrNotFound))
		}
		return nil, core.NewTransportError("get", requestID, err)
	}

	exchange := *v.(*types.Exchange)
	return &exchange, nil
}

// Record stores an exchange observed elsewhere, filling in its id and raw
// forms when missing.
func (t *HTTPTransport) Record(ctx context.Context, exchange *types.Exchange) (*types.Exchange, error) {
	out := *exchange
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	if out.Request.Header == nil {
		out.Request.Header = http.Header{}
	}
	if out.Request.Raw == "" {
		out.Request.Raw = synthesis.RenderRequest(&out.Request)
	}
	if out.Response != nil {
		resp := *out.Response
		if resp.Raw == "" {
			resp = *Summarize(resp.StatusCode, resp.Header, resp.Body)
		}
		if resp.Length == 0 {
			resp.Length = len(resp.Raw)
		}
		out.Response = &resp
	}

	if err := t.store.Put(ctx, &out); err != nil {
		return nil, core.NewTransportError("record", out.ID, err)
	}
	return &out, nil
}

// Matches evaluates a capture filter. Filters that fail to compile or run
// match nothing.
func (t *HTTPTransport) Matches(filter string, req *types.HTTPRequest) bool {
	ok, err := t.filters.Evaluate(filter, req)
	if err != nil {
		t.logger.Warnw("Capture filter rejected request", "filter", filter, "error", err)
		return false
	}
	return ok
}

func (t *HTTPTransport) InScope(req *types.HTTPRequest) bool {
	return t.scope.Contains(req)
}

// ValidateFilter reports whether filter compiles.
func (t *HTTPTransport) ValidateFilter(filter string) error {
	return t.filters.Compile(filter)
}

func (t *HTTPTransport) Close() error {
	return t.store.Close()
}
