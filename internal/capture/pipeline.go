// internal/capture/pipeline.go

// Package capture turns observed traffic into templates.
package capture

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/analysis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/registry"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/synthesis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/transport"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// Runner starts an analysis run.
type Runner interface {
	Run(ctx context.Context) (*analysis.Summary, error)
}

type Pipeline struct {
	settings  *registry.Settings
	templates *registry.Templates
	transport core.Transport
	repo      core.TemplateRepository
	projects  core.ProjectContext
	events    core.Emitter
	runner    Runner
	logger    *logger.Logger

	// background analysis runs started by auto-run
	runs sync.WaitGroup
}

func NewPipeline(
	settings *registry.Settings,
	templates *registry.Templates,
	tr core.Transport,
	repo core.TemplateRepository,
	projects core.ProjectContext,
	events core.Emitter,
	runner Runner,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		settings:  settings,
		templates: templates,
		transport: tr,
		repo:      repo,
		projects:  projects,
		events:    events,
		runner:    runner,
		logger:    log.WithComponent("capture"),
	}
}

// NewTemplate builds the template for an exchange that has a response.
func NewTemplate(exchange *types.Exchange, dedupeHeaders []string) types.Template {
	req := exchange.Request
	return types.Template{
		ID:                     synthesis.TemplateIDForRequest(&req, dedupeHeaders),
		RequestID:              exchange.ID,
		AuthSuccessRegex:       "HTTP/1[.]1 " + strconv.Itoa(exchange.Response.StatusCode),
		OriginalResponseLength: len(exchange.Response.Raw),
		Rules:                  types.Rules{},
		Meta: types.TemplateMeta{
			Host:   req.Host,
			Port:   req.Port,
			Path:   req.Path,
			IsTLS:  req.IsTLS,
			Method: req.Method,
		},
	}
}

// OnInterceptResponse creates a template for exchange when the capture
// settings allow it. It returns nil when nothing was created.
func (p *Pipeline) OnInterceptResponse(ctx context.Context, exchange *types.Exchange) (*types.Template, error) {
	projectID, ok := p.projects.CurrentProject(ctx)
	if !ok {
		p.logger.Debugw("No active project, ignoring intercepted response")
		return nil, nil
	}

	settings := p.settings.Get()
	if settings.AutoCapture == types.CaptureOff || exchange == nil || exchange.Response == nil {
		return nil, nil
	}

	if settings.DefaultFilter != "" && !p.transport.Matches(settings.DefaultFilter, &exchange.Request) {
		p.logger.Debugw("Intercepted request does not match capture filter",
			"request_id", exchange.ID,
			"filter", settings.DefaultFilter,
		)
		return nil, nil
	}

	tmpl := NewTemplate(exchange, settings.DedupeHeaders)
	if p.templates.Exists(tmpl.ID) {
		return nil, nil
	}

	if settings.AutoCapture == types.CaptureInScope && !p.transport.InScope(&exchange.Request) {
		return nil, nil
	}

	created, err := p.create(ctx, projectID, tmpl)
	if created == nil {
		return nil, err
	}

	if settings.AutoRunAnalysis {
		p.runs.Add(1)
		go func() {
			defer p.runs.Done()
			p.runAnalysis(context.WithoutCancel(ctx))
		}()
	}
	return created, err
}

// AddTemplateFromRequest creates a template from an exchange the transport
// already holds. Unknown exchanges, exchanges without a response and
// existing templates are ignored.
func (p *Pipeline) AddTemplateFromRequest(ctx context.Context, requestID string) (*types.Template, error) {
	projectID, ok := p.projects.CurrentProject(ctx)
	if !ok {
		p.logger.Debugw("No active project, ignoring template request", "request_id", requestID)
		return nil, nil
	}

	exchange, err := p.transport.Get(ctx, requestID)
	if err != nil || exchange.Response == nil {
		p.logger.Infow("Cannot create template from request", "request_id", requestID, "error", err)
		return nil, nil
	}

	tmpl := NewTemplate(exchange, p.settings.Get().DedupeHeaders)
	if p.templates.Exists(tmpl.ID) {
		return nil, nil
	}
	return p.create(ctx, projectID, tmpl)
}

// Ingest records a raw request/response pair captured elsewhere and feeds
// it through OnInterceptResponse. isTLS forces https when the raw request
// does not reveal the scheme itself.
func (p *Pipeline) Ingest(ctx context.Context, rawRequest, rawResponse string, isTLS bool) (*types.Exchange, *types.Template, error) {
	spec, err := synthesis.ParseRaw(rawRequest)
	if err != nil {
		return nil, nil, err
	}
	if isTLS {
		forceHTTPS(spec)
	}

	req, err := synthesis.RequestFromSpec(spec)
	if err != nil {
		return nil, nil, err
	}
	req.Raw = rawRequest

	resp, err := transport.ParseResponse(rawResponse)
	if err != nil {
		return nil, nil, err
	}

	exchange, err := p.transport.Record(ctx, &types.Exchange{Request: *req, Response: resp})
	if err != nil {
		return nil, nil, err
	}

	tmpl, err := p.OnInterceptResponse(ctx, exchange)
	return exchange, tmpl, err
}

// Wait blocks until background analysis runs have finished.
func (p *Pipeline) Wait() {
	p.runs.Wait()
}

func (p *Pipeline) create(ctx context.Context, projectID string, tmpl types.Template) (*types.Template, error) {
	if !p.templates.Add(tmpl) {
		return nil, nil
	}
	p.events.Emit(ctx, types.EventTemplateCreated, tmpl)

	p.logger.Infow("Template captured",
		"template_id", tmpl.ID,
		"method", tmpl.Meta.Method,
		"host", tmpl.Meta.Host,
		"path", tmpl.Meta.Path,
	)

	if err := p.repo.CreateTemplate(ctx, projectID, tmpl); err != nil {
		p.logger.LogError(ctx, err, "capture.CreateTemplate", "template_id", tmpl.ID)
		return &tmpl, err
	}
	return &tmpl, nil
}

func (p *Pipeline) runAnalysis(ctx context.Context) {
	if p.runner == nil {
		return
	}
	if _, err := p.runner.Run(ctx); err != nil {
		if errors.Is(err, core.ErrAnalysisRunning) {
			p.logger.Debugw("Analysis already running, auto-run skipped")
			return
		}
		p.logger.LogError(ctx, err, "capture.AutoRunAnalysis")
	}
}

func forceHTTPS(spec *types.RequestSpec) {
	u, err := url.Parse(spec.URL)
	if err != nil || u.Scheme == "https" {
		return
	}
	u.Scheme = "https"
	if u.Port() == "80" {
		u.Host = u.Hostname()
		if strings.Contains(u.Host, ":") {
			u.Host = "[" + u.Host + "]"
		}
	}
	spec.URL = u.String()
}
