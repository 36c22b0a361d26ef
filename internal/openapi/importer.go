package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/synthesis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// Sender is the part of the transport the importer needs.
type Sender interface {
	Send(ctx context.Context, spec *types.RequestSpec) (*types.Exchange, error)
	Record(ctx context.Context, exchange *types.Exchange) (*types.Exchange, error)
}

type Options struct {
	Substitutions []types.Substitution
	DedupeHeaders []string
	// Exists reports templates that are already registered; they are skipped.
	Exists func(templateID string) bool
	// FallbackBaseURL is used when the document declares no usable server.
	FallbackBaseURL string
}

// Request is one operation turned into a concrete request.
type Request struct {
	Method string
	Path   string
	Spec   *types.RequestSpec
}

type Result struct {
	Templates []types.Template
	// Synthetic counts templates whose send failed and which carry a
	// placeholder 200 response instead.
	Synthetic  int
	Duplicates int
}

type Importer struct {
	sender      Sender
	logger      *logger.Logger
	concurrency int
}

func NewImporter(sender Sender, log *logger.Logger, concurrency int) *Importer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Importer{
		sender:      sender,
		logger:      log.WithComponent("openapi"),
		concurrency: concurrency,
	}
}

// Import parses data, sends every operation once and returns the resulting
// templates in document order. Operations whose template id already exists,
// or that collapse onto an earlier operation, are skipped.
func (i *Importer) Import(ctx context.Context, data []byte, opts Options) (*Result, error) {
	start := time.Now()

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	requests, err := Materialize(doc, opts)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	seen := make(map[string]bool)
	type pending struct {
		id  string
		req Request
	}
	var work []pending
	for _, req := range requests {
		id := synthesis.TemplateIDForSpec(req.Spec, opts.DedupeHeaders)
		if seen[id] || (opts.Exists != nil && opts.Exists(id)) {
			result.Duplicates++
			continue
		}
		seen[id] = true
		work = append(work, pending{id: id, req: req})
	}

	templates := make([]*types.Template, len(work))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for n, p := range work {
		n, p := n, p
		g.Go(func() error {
			tmpl, synthetic, err := i.toTemplate(gctx, p.id, p.req)
			if err != nil {
				i.logger.Warnw("Skipping OpenAPI operation",
					"method", p.req.Method,
					"path", p.req.Path,
					"error", err,
				)
				return nil
			}
			templates[n] = tmpl
			if synthetic {
				mu.Lock()
				result.Synthetic++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, tmpl := range templates {
		if tmpl != nil {
			result.Templates = append(result.Templates, *tmpl)
		}
	}

	i.logger.Infow("OpenAPI import completed",
		"operations", len(requests),
		"templates", len(result.Templates),
		"synthetic", result.Synthetic,
		"duplicates", result.Duplicates,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// toTemplate sends the request, falling back to a recorded placeholder
// exchange with a 200 response when the send fails.
func (i *Importer) toTemplate(ctx context.Context, id string, req Request) (*types.Template, bool, error) {
	synthetic := false

	exchange, err := i.sender.Send(ctx, req.Spec)
	if err != nil || exchange == nil || exchange.Response == nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		i.logger.Debugw("OpenAPI send failed, recording placeholder response",
			"method", req.Method,
			"url", req.Spec.URL,
			"error", err,
		)

		exchange, err = i.placeholder(ctx, req.Spec)
		if err != nil {
			return nil, false, err
		}
		synthetic = true
	}

	meta, err := req.Spec.Meta()
	if err != nil {
		return nil, false, core.NewMalformedInputError(documentSource, "invalid operation url", err)
	}

	return &types.Template{
		ID:                     id,
		RequestID:              exchange.ID,
		AuthSuccessRegex:       "HTTP/1[.]1 " + strconv.Itoa(exchange.Response.StatusCode),
		OriginalResponseLength: len(exchange.Response.Raw),
		Rules:                  types.Rules{},
		Meta:                   meta,
	}, synthetic, nil
}

func (i *Importer) placeholder(ctx context.Context, spec *types.RequestSpec) (*types.Exchange, error) {
	httpReq, err := synthesis.RequestFromSpec(spec)
	if err != nil {
		return nil, err
	}

	raw := synthesis.RenderResponse(http.StatusOK, http.Header{}, nil)
	return i.sender.Record(ctx, &types.Exchange{
		Request: *httpReq,
		Response: &types.HTTPResponse{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Raw:        raw,
			Length:     len(raw),
		},
	})
}

// Materialize turns every operation of doc into a concrete request, sorted
// by path and then by verb.
func Materialize(doc *Document, opts Options) ([]Request, error) {
	isTLS, host, port, basePath, err := baseOf(doc, opts.FallbackBaseURL)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []Request
	for _, p := range paths {
		item := doc.Paths[p]
		for _, mo := range item.Operations() {
			params := doc.mergeParameters(item.Parameters, mo.Operation.Parameters)

			resolvedPath := synthesis.ApplySubstitutions(p, opts.Substitutions)
			query := url.Values{}
			header := http.Header{}
			var form url.Values
			var bodyParam *Parameter

			for n := range params {
				param := params[n]
				switch param.In {
				case "path":
					resolvedPath = strings.ReplaceAll(resolvedPath, "{"+param.Name+"}", url.PathEscape(doc.paramValue(param)))
				case "query":
					query.Add(param.Name, doc.paramValue(param))
				case "header":
					header.Set(param.Name, doc.paramValue(param))
				case "formData":
					if form == nil {
						form = url.Values{}
					}
					form.Add(param.Name, doc.paramValue(param))
				case "body":
					bodyParam = &params[n]
				}
			}

			consumes := mo.Operation.Consumes
			if len(consumes) == 0 {
				consumes = doc.Consumes
			}

			var body []byte
			contentType := ""
			if len(consumes) > 0 {
				contentType = consumes[0]
			}

			switch {
			case bodyParam != nil:
				data, err := json.Marshal(doc.exampleFor(bodyParam.Schema, 0))
				if err != nil {
					return nil, core.NewMalformedInputError(documentSource, "cannot build body for "+mo.Method+" "+p, err)
				}
				body = data
				if contentType == "" {
					contentType = "application/json"
				}
			case form != nil:
				body = []byte(form.Encode())
				if contentType == "" {
					contentType = "application/x-www-form-urlencoded"
				}
			case mo.Operation.RequestBody != nil:
				ct, data, err := doc.requestBody(mo.Operation.RequestBody)
				if err != nil {
					return nil, core.NewMalformedInputError(documentSource, "cannot build body for "+mo.Method+" "+p, err)
				}
				body = data
				if ct != "" {
					contentType = ct
				}
			}
			if contentType != "" {
				header.Set("Content-Type", contentType)
			}

			full := joinPath(basePath, resolvedPath)
			if len(query) > 0 {
				full += "?" + query.Encode()
			}

			target, err := synthesis.BuildURL(isTLS, host, port, full)
			if err != nil {
				return nil, core.NewMalformedInputError(documentSource, "invalid server host", err)
			}

			out = append(out, Request{
				Method: mo.Method,
				Path:   p,
				Spec: &types.RequestSpec{
					Method: mo.Method,
					URL:    target,
					Header: header,
					Body:   body,
				},
			})
		}
	}
	return out, nil
}

// mergeParameters resolves $refs and lets operation parameters override
// path-level ones with the same name and location.
func (d *Document) mergeParameters(pathLevel, opLevel []Parameter) []Parameter {
	var out []Parameter
	index := make(map[string]int)

	add := func(p Parameter) {
		resolved, ok := d.resolveParameter(p)
		if !ok || resolved.Name == "" {
			return
		}
		key := resolved.In + ":" + resolved.Name
		if i, exists := index[key]; exists {
			out[i] = resolved
			return
		}
		index[key] = len(out)
		out = append(out, resolved)
	}

	for _, p := range pathLevel {
		add(p)
	}
	for _, p := range opLevel {
		add(p)
	}
	return out
}

// requestBody builds a v3 request body, preferring JSON over form content.
func (d *Document) requestBody(rb *RequestBody) (string, []byte, error) {
	if len(rb.Content) == 0 {
		return "", nil, nil
	}

	kinds := make([]string, 0, len(rb.Content))
	for ct := range rb.Content {
		kinds = append(kinds, ct)
	}
	sort.Slice(kinds, func(a, b int) bool {
		ri, rj := contentRank(kinds[a]), contentRank(kinds[b])
		return ri < rj || (ri == rj && kinds[a] < kinds[b])
	})

	ct := kinds[0]
	media := rb.Content[ct]

	var value any
	if media.Example != nil {
		value = normalize(media.Example)
	} else {
		value = d.exampleFor(media.Schema, 0)
	}

	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		form := url.Values{}
		if obj, ok := value.(map[string]any); ok {
			for k, v := range obj {
				form.Set(k, formatValue(v))
			}
		}
		return ct, []byte(form.Encode()), nil
	}

	if str, ok := value.(string); ok && !strings.Contains(ct, "json") {
		return ct, []byte(str), nil
	}

	data, err := json.Marshal(value)
	return ct, data, err
}

func contentRank(ct string) int {
	switch {
	case strings.Contains(ct, "json"):
		return 0
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		return 1
	}
	return 2
}

// baseOf resolves scheme, host, port and base path. v3 documents use the
// first server; v2 documents use schemes, host and basePath with http as
// the default scheme.
func baseOf(doc *Document, fallback string) (isTLS bool, host string, port int, basePath string, err error) {
	var raw string

	if doc.IsV2() {
		scheme := "http"
		if len(doc.Schemes) > 0 {
			scheme = strings.ToLower(doc.Schemes[0])
		}
		raw = doc.BasePath
		if doc.Host != "" {
			raw = scheme + "://" + doc.Host + doc.BasePath
		}
	} else if len(doc.Servers) > 0 {
		raw = expandServerVariables(doc.Servers[0])
	}

	// Relative or missing servers resolve against the fallback base
	if !strings.Contains(raw, "://") {
		if fallback == "" {
			fallback = "http://localhost"
		}
		raw = strings.TrimSuffix(fallback, "/") + "/" + strings.TrimPrefix(raw, "/")
	}

	u, parseErr := url.Parse(raw)
	if parseErr != nil || u.Hostname() == "" {
		return false, "", 0, "", core.NewMalformedInputError(documentSource, fmt.Sprintf("invalid server url %q", raw), parseErr)
	}

	isTLS = u.Scheme == "https"
	port = types.DefaultPort(isTLS)
	if p := u.Port(); p != "" {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return false, "", 0, "", core.NewMalformedInputError(documentSource, fmt.Sprintf("invalid server port %q", p), convErr)
		}
		port = n
	}
	return isTLS, u.Hostname(), port, strings.TrimSuffix(u.Path, "/"), nil
}

func expandServerVariables(s Server) string {
	out := s.URL
	for name, v := range s.Variables {
		out = strings.ReplaceAll(out, "{"+name+"}", v.Default)
	}
	return out
}

func joinPath(base, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
