package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/openapi"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/synthesis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// Blank templates point here until their request is edited.
const (
	blankHost  = "localhost"
	blankPort  = 10134
	blankRegex = "HTTP/1[.]1 200"
)

// AddTemplate creates an empty template to be filled in by hand.
func (s *Service) AddTemplate(ctx context.Context) (*types.Template, error) {
	projectID, ok := s.project(ctx, "AddTemplate")
	if !ok {
		return nil, nil
	}

	tmpl := types.Template{
		ID:               uuid.New().String(),
		RequestID:        uuid.New().String(),
		AuthSuccessRegex: blankRegex,
		Rules:            types.Rules{},
		Meta: types.TemplateMeta{
			Host:   blankHost,
			Port:   blankPort,
			Path:   "/",
			IsTLS:  false,
			Method: http.MethodGet,
		},
	}
	s.templates.Add(tmpl)
	s.events.Emit(ctx, types.EventTemplateCreated, tmpl)

	if err := s.repo.CreateTemplate(ctx, projectID, tmpl); err != nil {
		return &tmpl, fmt.Errorf("failed to persist template: %w", err)
	}
	return &tmpl, nil
}

// AddTemplateFromRequest creates a template from an exchange already held
// by the transport.
func (s *Service) AddTemplateFromRequest(ctx context.Context, requestID string) (*types.Template, error) {
	return s.capture.AddTemplateFromRequest(ctx, requestID)
}

func (s *Service) UpdateTemplate(ctx context.Context, id string, fields types.TemplateFields) (*types.Template, error) {
	projectID, ok := s.project(ctx, "UpdateTemplate")
	if !ok {
		return nil, nil
	}
	return s.updateTemplate(ctx, projectID, id, fields)
}

// UpdateTemplateRequest replaces the template's request with raw HTTP text.
// The request is sent once so the template points at a real exchange.
func (s *Service) UpdateTemplateRequest(ctx context.Context, id, raw string) (*types.Template, error) {
	projectID, ok := s.project(ctx, "UpdateTemplateRequest")
	if !ok {
		return nil, nil
	}
	if !s.templates.Exists(id) {
		return nil, core.ErrNotFound
	}

	spec, err := synthesis.ParseRaw(raw)
	if err != nil {
		return nil, err
	}
	return s.replaceRequest(ctx, projectID, id, spec)
}

// UpdateTemplateFromSpec is UpdateTemplateRequest for a structured request.
func (s *Service) UpdateTemplateFromSpec(ctx context.Context, id string, spec *types.RequestSpec) (*types.Template, error) {
	projectID, ok := s.project(ctx, "UpdateTemplateFromSpec")
	if !ok {
		return nil, nil
	}
	if !s.templates.Exists(id) {
		return nil, core.ErrNotFound
	}
	if spec == nil || spec.Method == "" {
		return nil, core.NewMalformedInputError("request spec", "method is required", nil)
	}

	spec = spec.Clone()
	if _, err := synthesis.RequestFromSpec(spec); err != nil {
		return nil, err
	}
	return s.replaceRequest(ctx, projectID, id, spec)
}

func (s *Service) replaceRequest(ctx context.Context, projectID, id string, spec *types.RequestSpec) (*types.Template, error) {
	meta, err := spec.Meta()
	if err != nil {
		return nil, core.NewMalformedInputError("request spec", "invalid url", err)
	}

	exchange, err := s.transport.Send(ctx, spec)
	if err != nil {
		return nil, err
	}

	fields := types.TemplateFields{
		RequestID: &exchange.ID,
		Meta:      &meta,
	}
	if exchange.Response != nil {
		length := len(exchange.Response.Raw)
		fields.OriginalResponseLength = &length
	}
	return s.updateTemplate(ctx, projectID, id, fields)
}

func (s *Service) updateTemplate(ctx context.Context, projectID, id string, fields types.TemplateFields) (*types.Template, error) {
	tmpl, found := s.templates.Update(id, fields)
	if !found {
		return nil, core.ErrNotFound
	}
	return s.templateChanged(ctx, projectID, tmpl)
}

func (s *Service) templateChanged(ctx context.Context, projectID string, tmpl types.Template) (*types.Template, error) {
	s.events.Emit(ctx, types.EventTemplateUpdated, tmpl)
	if err := s.repo.UpdateTemplate(ctx, projectID, tmpl); err != nil {
		return &tmpl, fmt.Errorf("failed to persist template: %w", err)
	}
	return &tmpl, nil
}

func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	projectID, ok := s.project(ctx, "DeleteTemplate")
	if !ok {
		return nil
	}

	if !s.templates.Remove(id) {
		return core.ErrNotFound
	}
	s.events.Emit(ctx, types.EventTemplateDeleted, id)

	if err := s.repo.RemoveTemplate(ctx, projectID, id); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return nil
}

func (s *Service) ClearTemplates(ctx context.Context) error {
	projectID, ok := s.project(ctx, "ClearTemplates")
	if !ok {
		return nil
	}

	s.templates.Clear()
	s.events.Emit(ctx, types.EventTemplatesCleared, nil)

	if err := s.repo.ClearTemplates(ctx, projectID); err != nil {
		return fmt.Errorf("failed to clear templates: %w", err)
	}
	return nil
}

func (s *Service) TemplateExists(ctx context.Context, id string) bool {
	return s.templates.Exists(id)
}

func (s *Service) GetTemplate(ctx context.Context, id string) (*types.Template, error) {
	tmpl, ok := s.templates.Get(id)
	if !ok {
		return nil, core.ErrNotFound
	}
	return &tmpl, nil
}

func (s *Service) ListTemplates(ctx context.Context) []types.Template {
	return s.templates.List()
}

// ToggleTemplateRole flips whether roleID is expected to reach the template.
func (s *Service) ToggleTemplateRole(ctx context.Context, templateID, roleID string) (*types.Template, error) {
	projectID, ok := s.project(ctx, "ToggleTemplateRole")
	if !ok {
		return nil, nil
	}

	tmpl, found := s.templates.ToggleRole(templateID, roleID)
	if !found {
		return nil, core.ErrNotFound
	}
	return s.templateChanged(ctx, projectID, tmpl)
}

func (s *Service) ToggleTemplateUser(ctx context.Context, templateID, userID string) (*types.Template, error) {
	projectID, ok := s.project(ctx, "ToggleTemplateUser")
	if !ok {
		return nil, nil
	}

	tmpl, found := s.templates.ToggleUser(templateID, userID)
	if !found {
		return nil, core.ErrNotFound
	}
	return s.templateChanged(ctx, projectID, tmpl)
}

// CheckAllTemplatesForRole grants roleID on every template that does not
// grant it yet and returns how many templates changed.
func (s *Service) CheckAllTemplatesForRole(ctx context.Context, roleID string) (int, error) {
	projectID, ok := s.project(ctx, "CheckAllTemplatesForRole")
	if !ok {
		return 0, nil
	}
	return s.persistAll(ctx, projectID, s.templates.CheckAllForRole(roleID))
}

func (s *Service) CheckAllTemplatesForUser(ctx context.Context, userID string) (int, error) {
	projectID, ok := s.project(ctx, "CheckAllTemplatesForUser")
	if !ok {
		return 0, nil
	}
	return s.persistAll(ctx, projectID, s.templates.CheckAllForUser(userID))
}

func (s *Service) persistAll(ctx context.Context, projectID string, changed []types.Template) (int, error) {
	var firstErr error
	for _, tmpl := range changed {
		if _, err := s.templateChanged(ctx, projectID, tmpl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(changed), firstErr
}

// ImportOpenAPI creates a template for every operation of an OpenAPI or
// Swagger document that does not match an existing template.
func (s *Service) ImportOpenAPI(ctx context.Context, document []byte) (*openapi.Result, error) {
	projectID, ok := s.project(ctx, "ImportOpenAPI")
	if !ok {
		return nil, nil
	}
	start := time.Now()

	result, err := s.importer.Import(ctx, document, openapi.Options{
		Substitutions:   s.substitutions.List(),
		DedupeHeaders:   s.settings.Get().DedupeHeaders,
		Exists:          s.templates.Exists,
		FallbackBaseURL: s.cfg.FallbackBaseURL,
	})
	if err != nil {
		return nil, err
	}

	added := result.Templates[:0]
	var firstErr error
	for _, tmpl := range result.Templates {
		if !s.templates.Add(tmpl) {
			result.Duplicates++
			continue
		}
		added = append(added, tmpl)
		s.events.Emit(ctx, types.EventTemplateCreated, tmpl)
		if err := s.repo.CreateTemplate(ctx, projectID, tmpl); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to persist template: %w", err)
		}
	}
	result.Templates = added

	s.logger.WithProject(projectID).LogDuration(ctx, "openapi_import", start,
		"templates", len(added), "duplicates", result.Duplicates)
	return result, firstErr
}
