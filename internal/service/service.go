// Package service is the operation surface of authmatrix. It owns the
// in-memory state of the active project, mirrors every change to the
// repository and announces it on the event bus.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/analysis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/capture"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/openapi"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/registry"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/results"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type Config struct {
	BatchSize         int
	ImportConcurrency int
	// FallbackBaseURL is used for OpenAPI documents without a usable server.
	FallbackBaseURL string
}

type Service struct {
	repo      core.Repository
	transport core.Transport
	events    core.Emitter
	logger    *logger.Logger
	telemetry core.Telemetry
	cfg       Config

	roles         *registry.Roles
	users         *registry.Users
	templates     *registry.Templates
	substitutions *registry.Substitutions
	settings      *registry.Settings
	results       *results.Cache

	orchestrator *analysis.Orchestrator
	capture      *capture.Pipeline
	importer     *openapi.Importer

	mu        sync.RWMutex
	projectID string
}

var _ core.ProjectContext = (*Service)(nil)

func New(cfg Config, repo core.Repository, tr core.Transport, events core.Emitter, log *logger.Logger, tel core.Telemetry) *Service {
	if cfg.ImportConcurrency < 1 {
		cfg.ImportConcurrency = 4
	}

	s := &Service{
		repo:          repo,
		transport:     tr,
		events:        events,
		logger:        log.WithComponent("service"),
		telemetry:     tel,
		cfg:           cfg,
		roles:         registry.NewRoles(),
		users:         registry.NewUsers(),
		templates:     registry.NewTemplates(),
		substitutions: registry.NewSubstitutions(),
		settings:      registry.NewSettings(),
		results:       results.NewCache(),
	}

	s.orchestrator = analysis.NewOrchestrator(analysis.Stores{
		Roles:         s.roles,
		Users:         s.users,
		Templates:     s.templates,
		Substitutions: s.substitutions,
		Results:       s.results,
	}, tr, repo, s, events, cfg.BatchSize, log, tel)
	s.capture = capture.NewPipeline(s.settings, s.templates, tr, repo, s, events, s.orchestrator, log)
	s.importer = openapi.NewImporter(tr, log, cfg.ImportConcurrency)
	return s
}

func (s *Service) CurrentProject(ctx context.Context) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectID, s.projectID != ""
}

// ReplayPacing reports how replays are being paced, when the transport
// paces them at all.
func (s *Service) ReplayPacing() (ratelimit.Stats, bool) {
	paced, ok := s.transport.(interface{ Pacing() ratelimit.Stats })
	if !ok {
		return ratelimit.Stats{}, false
	}
	return paced.Pacing(), true
}

// project returns the active project, logging the skipped operation when there is none.
func (s *Service) project(ctx context.Context, operation string) (string, bool) {
	projectID, ok := s.CurrentProject(ctx)
	if !ok {
		s.logger.Infow("No active project, operation skipped", "operation", operation)
	}
	return projectID, ok
}

func (s *Service) CreateProject(ctx context.Context, name string) (*types.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, core.NewMalformedInputError("project", "name is required", nil)
	}

	project := types.Project{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	s.logger.Infow("Project created", "project_id", project.ID, "name", name)
	return &project, nil
}

func (s *Service) ListProjects(ctx context.Context) ([]types.Project, error) {
	projects, err := s.repo.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// SelectProject makes projectID the active project and reloads every
// in-memory store from the repository. The result cache starts empty.
func (s *Service) SelectProject(ctx context.Context, projectID string) error {
	if s.orchestrator.Running() {
		return core.ErrAnalysisRunning
	}

	start := time.Now()
	ctx, span := s.logger.StartOperation(ctx, "service.SelectProject", "project_id", projectID)

	err := s.hydrate(ctx, projectID)
	s.logger.FinishOperation(ctx, span, "service.SelectProject", start, err)
	if err != nil {
		return err
	}

	s.events.Emit(ctx, types.EventProjectChanged, projectID)
	s.events.Emit(ctx, types.EventRolesUpdated, s.roles.List())
	s.events.Emit(ctx, types.EventUsersUpdated, s.users.List())
	s.events.Emit(ctx, types.EventTemplatesLoaded, s.templates.List())
	s.events.Emit(ctx, types.EventSubstitutionUpdated, s.substitutions.List())
	s.events.Emit(ctx, types.EventSettingsUpdated, s.settings.Get())
	return nil
}

func (s *Service) hydrate(ctx context.Context, projectID string) error {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrNotFound
		}
		return fmt.Errorf("failed to load project: %w", err)
	}

	roles, err := s.repo.ListRoles(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	users, err := s.repo.ListUsers(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	templates, err := s.repo.ListTemplates(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	subs, err := s.repo.ListSubstitutions(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load substitutions: %w", err)
	}
	settings, err := s.repo.GetSettings(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if settings == nil {
		defaults := types.DefaultSettings()
		settings = &defaults
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.roles.Replace(roles)
	s.users.Replace(users)
	s.templates.Replace(templates)
	s.substitutions.Replace(subs)
	s.settings.Set(*settings)
	s.results.Clear()
	s.projectID = projectID

	s.logger.Infow("Project loaded",
		"project_id", projectID,
		"roles", len(roles),
		"users", len(users),
		"templates", len(templates),
		"substitutions", len(subs),
	)
	return nil
}

// DeleteProjectData wipes every entity of the active project. The project
// itself stays selected.
func (s *Service) DeleteProjectData(ctx context.Context) error {
	projectID, ok := s.project(ctx, "DeleteProjectData")
	if !ok {
		return nil
	}
	if s.orchestrator.Running() {
		return core.ErrAnalysisRunning
	}

	s.roles.Clear()
	s.users.Clear()
	s.templates.Clear()
	s.substitutions.Clear()
	s.settings.Reset()
	s.results.Clear()

	s.events.Emit(ctx, types.EventRolesUpdated, []types.Role{})
	s.events.Emit(ctx, types.EventUsersUpdated, []types.User{})
	s.events.Emit(ctx, types.EventTemplatesCleared, nil)
	s.events.Emit(ctx, types.EventSubstitutionsClear, nil)
	s.events.Emit(ctx, types.EventResultsCleared, nil)
	s.events.Emit(ctx, types.EventSettingsUpdated, s.settings.Get())

	s.logger.Warnw("Project data deleted", "project_id", projectID)
	if err := s.repo.DeleteProjectData(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete project data: %w", err)
	}
	return nil
}

// Wait blocks until background work started by capture has finished.
func (s *Service) Wait() {
	s.capture.Wait()
}
