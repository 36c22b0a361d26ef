package database

import (
	"context"
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// MemoryStore is a Repository kept in process memory. It backs the
// "memory" driver and mirrors the cascade rules of the SQL schema.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]types.Project
	data     map[string]*projectData
}

type projectData struct {
	roles         []types.Role
	users         []types.User
	templates     []types.Template
	substitutions []types.Substitution
	settings      *types.Settings
}

var _ core.Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]types.Project),
		data:     make(map[string]*projectData),
	}
}

// project returns the data of projectID, creating it on first write.
func (m *MemoryStore) project(projectID string) *projectData {
	d, ok := m.data[projectID]
	if !ok {
		d = &projectData{}
		m.data[projectID] = d
	}
	return d
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

func (m *MemoryStore) CreateProject(ctx context.Context, project types.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[project.ID] = project
	m.project(project.ID)
	return nil
}

func (m *MemoryStore) GetProject(ctx context.Context, projectID string) (*types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListProjects(ctx context.Context) ([]types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteProject(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, projectID)
	delete(m.data, projectID)
	return nil
}

func (m *MemoryStore) DeleteProjectData(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[projectID]; ok {
		m.data[projectID] = &projectData{}
	}
	return nil
}

func (m *MemoryStore) CreateRole(ctx context.Context, projectID string, role types.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	d.roles = append(d.roles, role)
	return nil
}

func (m *MemoryStore) UpdateRole(ctx context.Context, projectID string, role types.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	for i := range d.roles {
		if d.roles[i].ID == role.ID {
			d.roles[i] = role
		}
	}
	return nil
}

func (m *MemoryStore) RemoveRole(ctx context.Context, projectID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)

	roles := d.roles[:0]
	for _, r := range d.roles {
		if r.ID != roleID {
			roles = append(roles, r)
		}
	}
	d.roles = roles

	for i, u := range d.users {
		ids := []string{}
		for _, id := range u.RoleIDs {
			if id != roleID {
				ids = append(ids, id)
			}
		}
		d.users[i].RoleIDs = ids
	}
	d.dropSubject(types.SubjectRole, roleID)
	return nil
}

func (d *projectData) dropSubject(subject types.SubjectType, subjectID string) {
	for i, t := range d.templates {
		d.templates[i].Rules = t.Rules.Without(subject, subjectID)
	}
}

func (m *MemoryStore) ListRoles(ctx context.Context, projectID string) ([]types.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[projectID]
	if !ok {
		return []types.Role{}, nil
	}
	return append([]types.Role{}, d.roles...), nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, projectID string, user types.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	d.users = append(d.users, user.Clone())
	return nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, projectID string, user types.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	for i := range d.users {
		if d.users[i].ID == user.ID {
			d.users[i] = user.Clone()
		}
	}
	return nil
}

func (m *MemoryStore) RemoveUser(ctx context.Context, projectID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)

	users := d.users[:0]
	for _, u := range d.users {
		if u.ID != userID {
			users = append(users, u)
		}
	}
	d.users = users
	d.dropSubject(types.SubjectUser, userID)
	return nil
}

func (m *MemoryStore) ListUsers(ctx context.Context, projectID string) ([]types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []types.User{}
	if d, ok := m.data[projectID]; ok {
		for _, u := range d.users {
			out = append(out, u.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateTemplate(ctx context.Context, projectID string, tmpl types.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	for _, t := range d.templates {
		if t.ID == tmpl.ID {
			return nil
		}
	}
	d.templates = append(d.templates, tmpl.Clone())
	return nil
}

func (m *MemoryStore) UpdateTemplate(ctx context.Context, projectID string, tmpl types.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	for i := range d.templates {
		if d.templates[i].ID == tmpl.ID {
			d.templates[i] = tmpl.Clone()
		}
	}
	return nil
}

func (m *MemoryStore) RemoveTemplate(ctx context.Context, projectID, templateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	templates := d.templates[:0]
	for _, t := range d.templates {
		if t.ID != templateID {
			templates = append(templates, t)
		}
	}
	d.templates = templates
	return nil
}

func (m *MemoryStore) ClearTemplates(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.project(projectID).templates = nil
	return nil
}

func (m *MemoryStore) ListTemplates(ctx context.Context, projectID string) ([]types.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []types.Template{}
	if d, ok := m.data[projectID]; ok {
		for _, t := range d.templates {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateSubstitution(ctx context.Context, projectID string, sub types.Substitution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	d.substitutions = append(d.substitutions, sub)
	return nil
}

func (m *MemoryStore) UpdateSubstitution(ctx context.Context, projectID string, sub types.Substitution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	for i := range d.substitutions {
		if d.substitutions[i].ID == sub.ID {
			d.substitutions[i] = sub
		}
	}
	return nil
}

func (m *MemoryStore) RemoveSubstitution(ctx context.Context, projectID, substitutionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.project(projectID)
	subs := d.substitutions[:0]
	for _, s := range d.substitutions {
		if s.ID != substitutionID {
			subs = append(subs, s)
		}
	}
	d.substitutions = subs
	return nil
}

func (m *MemoryStore) ClearSubstitutions(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.project(projectID).substitutions = nil
	return nil
}

func (m *MemoryStore) ListSubstitutions(ctx context.Context, projectID string) ([]types.Substitution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []types.Substitution{}
	if d, ok := m.data[projectID]; ok {
		out = append(out, d.substitutions...)
	}
	return out, nil
}

func (m *MemoryStore) GetSettings(ctx context.Context, projectID string) (*types.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[projectID]
	if !ok || d.settings == nil {
		return nil, nil
	}
	s := d.settings.Clone()
	return &s, nil
}

func (m *MemoryStore) SaveSettings(ctx context.Context, projectID string, settings types.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := settings.Clone()
	m.project(projectID).settings = &s
	return nil
}
