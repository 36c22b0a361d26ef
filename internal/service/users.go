package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

func (s *Service) AddUser(ctx context.Context, name string) (*types.User, error) {
	projectID, ok := s.project(ctx, "AddUser")
	if !ok {
		return nil, nil
	}

	user := types.User{
		ID:         uuid.New().String(),
		Name:       name,
		RoleIDs:    []string{},
		Attributes: []types.Attribute{},
	}
	s.users.Add(user)
	s.events.Emit(ctx, types.EventUsersUpdated, s.users.List())

	if err := s.repo.CreateUser(ctx, projectID, s.persistable(user)); err != nil {
		return &user, fmt.Errorf("failed to persist user: %w", err)
	}
	return &user, nil
}

// UpdateUser applies fields to the user. A non-nil attribute list replaces
// the user's attributes; the repository deletes the ones that disappeared.
func (s *Service) UpdateUser(ctx context.Context, id string, fields types.UserFields) (*types.User, error) {
	projectID, ok := s.project(ctx, "UpdateUser")
	if !ok {
		return nil, nil
	}

	if fields.Attributes != nil {
		attrs, err := normalizeAttributes(*fields.Attributes)
		if err != nil {
			return nil, err
		}
		fields.Attributes = &attrs
	}

	user, found := s.users.Update(id, fields)
	if !found {
		return nil, core.ErrNotFound
	}
	s.events.Emit(ctx, types.EventUsersUpdated, s.users.List())

	if err := s.repo.UpdateUser(ctx, projectID, s.persistable(user)); err != nil {
		return &user, fmt.Errorf("failed to persist user: %w", err)
	}
	return &user, nil
}

// DeleteUser removes the user and its rule from every template.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	projectID, ok := s.project(ctx, "DeleteUser")
	if !ok {
		return nil
	}

	if !s.users.Remove(id) {
		return core.ErrNotFound
	}
	changed := s.templates.RemoveSubject(types.SubjectUser, id)

	s.events.Emit(ctx, types.EventUsersUpdated, s.users.List())
	for _, tmpl := range changed {
		s.events.Emit(ctx, types.EventTemplateUpdated, tmpl)
	}

	if err := s.repo.RemoveUser(ctx, projectID, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*types.User, error) {
	user, ok := s.users.Get(id)
	if !ok {
		return nil, core.ErrNotFound
	}
	return &user, nil
}

func (s *Service) ListUsers(ctx context.Context) []types.User {
	return s.users.List()
}

// persistable drops role ids that no longer name a role.
func (s *Service) persistable(user types.User) types.User {
	out := user.Clone()
	out.RoleIDs = out.RoleIDs[:0]
	for _, id := range user.RoleIDs {
		if s.roles.Exists(id) {
			out.RoleIDs = append(out.RoleIDs, id)
		}
	}
	return out
}

func normalizeAttributes(attrs []types.Attribute) ([]types.Attribute, error) {
	out := make([]types.Attribute, 0, len(attrs))
	for _, a := range attrs {
		if !a.Kind.Valid() {
			return nil, core.NewMalformedInputError("attribute", fmt.Sprintf("unknown kind %q for %q", a.Kind, a.Name), nil)
		}
		if a.Name == "" {
			return nil, core.NewMalformedInputError("attribute", "name is required", nil)
		}
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		out = append(out, a)
	}
	return out, nil
}
