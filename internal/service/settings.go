package service

import (
	"context"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// filterValidator is implemented by transports that can check a capture
// filter before it is stored.
type filterValidator interface {
	ValidateFilter(filter string) error
}

func (s *Service) GetSettings(ctx context.Context) types.Settings {
	return s.settings.Get()
}

// UpdateSettings validates and stores the project settings. Dedupe header
// names are canonicalised and deduplicated, keeping their order.
func (s *Service) UpdateSettings(ctx context.Context, settings types.Settings) (*types.Settings, error) {
	projectID, ok := s.project(ctx, "UpdateSettings")
	if !ok {
		return nil, nil
	}

	if settings.AutoCapture == "" {
		settings.AutoCapture = types.CaptureOff
	}
	if !settings.AutoCapture.Valid() {
		return nil, core.NewMalformedInputError("settings", fmt.Sprintf("unknown capture mode %q", settings.AutoCapture), nil)
	}

	settings.DefaultFilter = strings.TrimSpace(settings.DefaultFilter)
	if v, ok := s.transport.(filterValidator); ok && settings.DefaultFilter != "" {
		if err := v.ValidateFilter(settings.DefaultFilter); err != nil {
			return nil, core.NewMalformedInputError("capture filter", "does not compile", err)
		}
	}

	seen := make(map[string]bool)
	headers := []string{}
	for _, h := range settings.DedupeHeaders {
		h = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		headers = append(headers, h)
	}
	settings.DedupeHeaders = headers

	s.settings.Set(settings)
	stored := s.settings.Get()
	s.events.Emit(ctx, types.EventSettingsUpdated, stored)

	if err := s.repo.SaveSettings(ctx, projectID, stored); err != nil {
		return &stored, fmt.Errorf("failed to persist settings: %w", err)
	}
	return &stored, nil
}
