// internal/registry/users.go
package registry

import (
	"sync"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type Users struct {
	mu    sync.RWMutex
	users []types.User
}

func NewUsers() *Users {
	return &Users{}
}

func (u *Users) Add(user types.User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users = append(u.users, user.Clone())
}

// Update applies fields to the user. A non-nil Attributes replaces the whole
// attribute set; RoleIDs replaces the role list when non-nil.
func (u *Users) Update(id string, fields types.UserFields) (types.User, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	i := u.index(id)
	if i < 0 {
		return types.User{}, false
	}

	updated := u.users[i].Clone()
	if fields.Name != nil {
		updated.Name = *fields.Name
	}
	if fields.RoleIDs != nil {
		updated.RoleIDs = append([]string{}, fields.RoleIDs...)
	}
	if fields.Attributes != nil {
		updated.Attributes = append([]types.Attribute{}, (*fields.Attributes)...)
	}

	next := append([]types.User(nil), u.users...)
	next[i] = updated
	u.users = next
	return updated.Clone(), true
}

func (u *Users) Remove(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	i := u.index(id)
	if i < 0 {
		return false
	}
	next := make([]types.User, 0, len(u.users)-1)
	next = append(next, u.users[:i]...)
	u.users = append(next, u.users[i+1:]...)
	return true
}

// RemoveRole strips roleID from every user holding it and returns the
// users that changed.
func (u *Users) RemoveRole(roleID string) []types.User {
	u.mu.Lock()
	defer u.mu.Unlock()

	var changed []types.User
	next := append([]types.User(nil), u.users...)
	for i, user := range next {
		if !user.HasRole(roleID) {
			continue
		}
		updated := user.Clone()
		updated.RoleIDs = updated.RoleIDs[:0]
		for _, id := range user.RoleIDs {
			if id != roleID {
				updated.RoleIDs = append(updated.RoleIDs, id)
			}
		}
		next[i] = updated
		changed = append(changed, updated.Clone())
	}
	u.users = next
	return changed
}

func (u *Users) Get(id string) (types.User, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if i := u.index(id); i >= 0 {
		return u.users[i].Clone(), true
	}
	return types.User{}, false
}

// WithRole returns the users holding roleID.
func (u *Users) Exists(id string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.index(id) >= 0
}

func (u *Users) WithRole(roleID string) []types.User {
	u.mu.RLock()
	defer u.mu.RUnlock()

	var out []types.User
	for _, user := range u.users {
		if user.HasRole(roleID) {
			out = append(out, user.Clone())
		}
	}
	return out
}

func (u *Users) List() []types.User {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]types.User, 0, len(u.users))
	for _, user := range u.users {
		out = append(out, user.Clone())
	}
	return out
}

func (u *Users) Replace(users []types.User) {
	next := make([]types.User, 0, len(users))
	for _, user := range users {
		next = append(next, user.Clone())
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.users = next
}

func (u *Users) Clear() {
	u.Replace(nil)
}

func (u *Users) index(id string) int {
	for i, user := range u.users {
		if user.ID == id {
			return i
		}
	}
	return -1
}
