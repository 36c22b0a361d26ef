// Package registry holds the in-memory entity collections of the active
// project. Every collection is safe for concurrent use and hands out copies,
// so callers never share backing storage with the registry.
package registry

import (
	"sync"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type Roles struct {
	mu    sync.RWMutex
	roles []types.Role
}

func NewRoles() *Roles {
	return &Roles{}
}

func (r *Roles) Add(role types.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = append(r.roles, role)
}

// Update applies fields to the role and returns the new value. ok is false
// for an unknown id.
func (r *Roles) Update(id string, fields types.RoleFields) (types.Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(id)
	if i < 0 {
		return types.Role{}, false
	}

	updated := r.roles[i]
	if fields.Name != nil {
		updated.Name = *fields.Name
	}
	if fields.Description != nil {
		updated.Description = *fields.Description
	}

	next := append([]types.Role(nil), r.roles...)
	next[i] = updated
	r.roles = next
	return updated, true
}

func (r *Roles) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(id)
	if i < 0 {
		return false
	}
	next := make([]types.Role, 0, len(r.roles)-1)
	next = append(next, r.roles[:i]...)
	r.roles = append(next, r.roles[i+1:]...)
	return true
}

func (r *Roles) Get(id string) (types.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.index(id); i >= 0 {
		return r.roles[i], true
	}
	return types.Role{}, false
}

func (r *Roles) Exists(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Roles) List() []types.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Role{}, r.roles...)
}

// Replace swaps the whole collection, used when a project is loaded.
func (r *Roles) Replace(roles []types.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = append([]types.Role(nil), roles...)
}

func (r *Roles) Clear() {
	r.Replace(nil)
}

func (r *Roles) index(id string) int {
	for i, role := range r.roles {
		if role.ID == id {
			return i
		}
	}
	return -1
}
