package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

func (s *Service) AddSubstitution(ctx context.Context, pattern, replacement string) (*types.Substitution, error) {
	projectID, ok := s.project(ctx, "AddSubstitution")
	if !ok {
		return nil, nil
	}
	if pattern == "" {
		return nil, core.NewMalformedInputError("substitution", "pattern is required", nil)
	}

	sub := types.Substitution{ID: uuid.New().String(), Pattern: pattern, Replacement: replacement}
	s.substitutions.Add(sub)
	s.events.Emit(ctx, types.EventSubstitutionCreated, sub)

	if err := s.repo.CreateSubstitution(ctx, projectID, sub); err != nil {
		return &sub, fmt.Errorf("failed to persist substitution: %w", err)
	}
	return &sub, nil
}

func (s *Service) UpdateSubstitution(ctx context.Context, id string, fields types.SubstitutionFields) (*types.Substitution, error) {
	projectID, ok := s.project(ctx, "UpdateSubstitution")
	if !ok {
		return nil, nil
	}
	if fields.Pattern != nil && *fields.Pattern == "" {
		return nil, core.NewMalformedInputError("substitution", "pattern is required", nil)
	}

	sub, found := s.substitutions.Update(id, fields)
	if !found {
		return nil, core.ErrNotFound
	}
	s.events.Emit(ctx, types.EventSubstitutionUpdated, sub)

	if err := s.repo.UpdateSubstitution(ctx, projectID, sub); err != nil {
		return &sub, fmt.Errorf("failed to persist substitution: %w", err)
	}
	return &sub, nil
}

func (s *Service) DeleteSubstitution(ctx context.Context, id string) error {
	projectID, ok := s.project(ctx, "DeleteSubstitution")
	if !ok {
		return nil
	}

	if !s.substitutions.Remove(id) {
		return core.ErrNotFound
	}
	s.events.Emit(ctx, types.EventSubstitutionDeleted, id)

	if err := s.repo.RemoveSubstitution(ctx, projectID, id); err != nil {
		return fmt.Errorf("failed to delete substitution: %w", err)
	}
	return nil
}

func (s *Service) ClearSubstitutions(ctx context.Context) error {
	projectID, ok := s.project(ctx, "ClearSubstitutions")
	if !ok {
		return nil
	}

	s.substitutions.Clear()
	s.events.Emit(ctx, types.EventSubstitutionsClear, nil)

	if err := s.repo.ClearSubstitutions(ctx, projectID); err != nil {
		return fmt.Errorf("failed to clear substitutions: %w", err)
	}
	return nil
}

func (s *Service) ListSubstitutions(ctx context.Context) []types.Substitution {
	return s.substitutions.List()
}
