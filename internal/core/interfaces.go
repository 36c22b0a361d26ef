package core

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// Transport sends requests and owns the resulting request/response pairs.
type Transport interface {
	Send(ctx context.Context, spec *types.RequestSpec) (*types.Exchange, error)
	// Get returns ErrNotFound when no exchange is held under requestID.
	Get(ctx context.Context, requestID string) (*types.Exchange, error)
	// Record stores an externally observed exchange and assigns it an id.
	Record(ctx context.Context, exchange *types.Exchange) (*types.Exchange, error)
	Matches(filter string, req *types.HTTPRequest) bool
	InScope(req *types.HTTPRequest) bool
}

type ProjectRepository interface {
	CreateProject(ctx context.Context, project types.Project) error
	GetProject(ctx context.Context, projectID string) (*types.Project, error)
	ListProjects(ctx context.Context) ([]types.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
	DeleteProjectData(ctx context.Context, projectID string) error
}

type RoleRepository interface {
	CreateRole(ctx context.Context, projectID string, role types.Role) error
	UpdateRole(ctx context.Context, projectID string, role types.Role) error
	// RemoveRole also drops the role from user_roles and template_rules.
	RemoveRole(ctx context.Context, projectID, roleID string) error
	ListRoles(ctx context.Context, projectID string) ([]types.Role, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, projectID string, user types.User) error
	// UpdateUser diff-syncs attributes: stale attribute rows are deleted, the rest upserted.
	UpdateUser(ctx context.Context, projectID string, user types.User) error
	RemoveUser(ctx context.Context, projectID, userID string) error
	ListUsers(ctx context.Context, projectID string) ([]types.User, error)
}

type TemplateRepository interface {
	CreateTemplate(ctx context.Context, projectID string, template types.Template) error
	// UpdateTemplate rewrites the template row and upserts its rules.
	UpdateTemplate(ctx context.Context, projectID string, template types.Template) error
	RemoveTemplate(ctx context.Context, projectID, templateID string) error
	ClearTemplates(ctx context.Context, projectID string) error
	ListTemplates(ctx context.Context, projectID string) ([]types.Template, error)
}

type SubstitutionRepository interface {
	CreateSubstitution(ctx context.Context, projectID string, sub types.Substitution) error
	UpdateSubstitution(ctx context.Context, projectID string, sub types.Substitution) error
	RemoveSubstitution(ctx context.Context, projectID, substitutionID string) error
	ClearSubstitutions(ctx context.Context, projectID string) error
	ListSubstitutions(ctx context.Context, projectID string) ([]types.Substitution, error)
}

type SettingsRepository interface {
	// GetSettings returns nil when the project has no stored settings.
	GetSettings(ctx context.Context, projectID string) (*types.Settings, error)
	SaveSettings(ctx context.Context, projectID string, settings types.Settings) error
}

// Repository is durable storage keyed by project id.
type Repository interface {
	ProjectRepository
	RoleRepository
	UserRepository
	TemplateRepository
	SubstitutionRepository
	SettingsRepository
	Ping(ctx context.Context) error
	Close() error
}

// ProjectContext scopes operations to the active project.
type ProjectContext interface {
	CurrentProject(ctx context.Context) (string, bool)
}

// Emitter delivers fire-and-forget notifications to observers.
type Emitter interface {
	Emit(ctx context.Context, eventType types.EventType, payload any)
}

type Telemetry interface {
	RecordAnalysisRun(templates, users int, duration float64, err error)
	RecordReplay(outcome string)
	RecordClassification(subject types.SubjectType, status types.RuleStatus)
	Close() error
}
