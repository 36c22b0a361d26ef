package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

func (s *Service) AddRole(ctx context.Context, name string) (*types.Role, error) {
	projectID, ok := s.project(ctx, "AddRole")
	if !ok {
		return nil, nil
	}

	role := types.Role{ID: uuid.New().String(), Name: name}
	s.roles.Add(role)
	s.events.Emit(ctx, types.EventRolesUpdated, s.roles.List())

	if err := s.repo.CreateRole(ctx, projectID, role); err != nil {
		return &role, fmt.Errorf("failed to persist role: %w", err)
	}
	return &role, nil
}

func (s *Service) UpdateRole(ctx context.Context, id string, fields types.RoleFields) (*types.Role, error) {
	projectID, ok := s.project(ctx, "UpdateRole")
	if !ok {
		return nil, nil
	}

	role, found := s.roles.Update(id, fields)
	if !found {
		return nil, core.ErrNotFound
	}
	s.events.Emit(ctx, types.EventRolesUpdated, s.roles.List())

	if err := s.repo.UpdateRole(ctx, projectID, role); err != nil {
		return &role, fmt.Errorf("failed to persist role: %w", err)
	}
	return &role, nil
}

// DeleteRole removes the role, strips it from every user and drops its
// rule from every template.
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	projectID, ok := s.project(ctx, "DeleteRole")
	if !ok {
		return nil
	}

	if !s.roles.Remove(id) {
		return core.ErrNotFound
	}
	changedUsers := s.users.RemoveRole(id)
	changedTemplates := s.templates.RemoveSubject(types.SubjectRole, id)

	s.events.Emit(ctx, types.EventRolesUpdated, s.roles.List())
	if len(changedUsers) > 0 {
		s.events.Emit(ctx, types.EventUsersUpdated, s.users.List())
	}
	for _, tmpl := range changedTemplates {
		s.events.Emit(ctx, types.EventTemplateUpdated, tmpl)
	}

	s.logger.Infow("Role deleted",
		"role_id", id,
		"users_changed", len(changedUsers),
		"templates_changed", len(changedTemplates),
	)

	// The repository cascades user_roles and template_rules itself.
	if err := s.repo.RemoveRole(ctx, projectID, id); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

func (s *Service) ListRoles(ctx context.Context) []types.Role {
	return s.roles.List()
}
