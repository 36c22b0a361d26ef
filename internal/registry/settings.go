package registry

import (
	"sync"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type Settings struct {
	mu       sync.RWMutex
	settings types.Settings
}

func NewSettings() *Settings {
	return &Settings{settings: types.DefaultSettings()}
}

func (s *Settings) Get() types.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

func (s *Settings) Set(settings types.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings.Clone()
}

// Reset restores the defaults.
func (s *Settings) Reset() {
	s.Set(types.DefaultSettings())
}
