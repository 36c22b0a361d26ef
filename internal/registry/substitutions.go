package registry

import (
	"sync"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// Substitutions keeps path substitutions in the order they were added; the
// order is significant when they are applied.
type Substitutions struct {
	mu   sync.RWMutex
	subs []types.Substitution
}

func NewSubstitutions() *Substitutions {
	return &Substitutions{}
}

func (s *Substitutions) Add(sub types.Substitution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *Substitutions) Update(id string, fields types.SubstitutionFields) (types.Substitution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return types.Substitution{}, false
	}

	updated := s.subs[i]
	if fields.Pattern != nil {
		updated.Pattern = *fields.Pattern
	}
	if fields.Replacement != nil {
		updated.Replacement = *fields.Replacement
	}

	next := append([]types.Substitution(nil), s.subs...)
	next[i] = updated
	s.subs = next
	return updated, true
}

func (s *Substitutions) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return false
	}
	next := make([]types.Substitution, 0, len(s.subs)-1)
	next = append(next, s.subs[:i]...)
	s.subs = append(next, s.subs[i+1:]...)
	return true
}

// Position returns the index of the substitution, or -1.
func (s *Substitutions) Position(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index(id)
}

func (s *Substitutions) List() []types.Substitution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Substitution{}, s.subs...)
}

func (s *Substitutions) Replace(subs []types.Substitution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append([]types.Substitution(nil), subs...)
}

func (s *Substitutions) Clear() {
	s.Replace(nil)
}

func (s *Substitutions) index(id string) int {
	for i, sub := range s.subs {
		if sub.ID == id {
			return i
		}
	}
	return -1
}
