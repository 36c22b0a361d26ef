package registry

import (
	"sync"
	"testing"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestRolesCRUD(t *testing.T) {
	roles := NewRoles()
	roles.Add(types.Role{ID: "r1", Name: "admin"})
	roles.Add(types.Role{ID: "r2", Name: "viewer"})

	updated, ok := roles.Update("r1", types.RoleFields{Description: strPtr("full access")})
	require.True(t, ok)
	assert.Equal(t, "admin", updated.Name)
	assert.Equal(t, "full access", updated.Description)

	_, ok = roles.Update("missing", types.RoleFields{Name: strPtr("x")})
	assert.False(t, ok)

	assert.True(t, roles.Remove("r2"))
	assert.False(t, roles.Remove("r2"))
	assert.Equal(t, []types.Role{updated}, roles.List())
	assert.True(t, roles.Exists("r1"))
}

func TestRolesListIsACopy(t *testing.T) {
	roles := NewRoles()
	roles.Add(types.Role{ID: "r1", Name: "admin"})

	snapshot := roles.List()
	snapshot[0].Name = "mutated"

	got, _ := roles.Get("r1")
	assert.Equal(t, "admin", got.Name)
}

func TestUsersUpdate(t *testing.T) {
	users := NewUsers()
	users.Add(types.User{
		ID:         "u1",
		Name:       "alice",
		RoleIDs:    []string{"r1"},
		Attributes: []types.Attribute{{ID: "a1", Name: "session", Value: "abc", Kind: types.AttributeCookie}},
	})

	attrs := []types.Attribute{{ID: "a2", Name: "Authorization", Value: "Bearer t", Kind: types.AttributeHeader}}
	updated, ok := users.Update("u1", types.UserFields{RoleIDs: []string{"r1", "r2"}, Attributes: &attrs})
	require.True(t, ok)
	assert.Equal(t, "alice", updated.Name)
	assert.Equal(t, []string{"r1", "r2"}, updated.RoleIDs)
	assert.Equal(t, attrs, updated.Attributes)

	attrs[0].Value = "changed after update"
	stored, _ := users.Get("u1")
	assert.Equal(t, "Bearer t", stored.Attributes[0].Value)

	_, ok = users.Update("nobody", types.UserFields{Name: strPtr("x")})
	assert.False(t, ok)
}

func TestUsersRemoveRole(t *testing.T) {
	users := NewUsers()
	users.Add(types.User{ID: "u1", RoleIDs: []string{"r1", "r2"}})
	users.Add(types.User{ID: "u2", RoleIDs: []string{"r2"}})
	users.Add(types.User{ID: "u3"})

	changed := users.RemoveRole("r2")
	require.Len(t, changed, 2)

	u1, _ := users.Get("u1")
	u2, _ := users.Get("u2")
	assert.Equal(t, []string{"r1"}, u1.RoleIDs)
	assert.Empty(t, u2.RoleIDs)
	assert.Len(t, users.WithRole("r1"), 1)
}

func TestTemplatesAddIsIdempotent(t *testing.T) {
	templates := NewTemplates()

	assert.True(t, templates.Add(types.Template{ID: "t1"}))
	assert.False(t, templates.Add(types.Template{ID: "t1", RequestID: "other"}))
	assert.True(t, templates.Exists("t1"))
	assert.Len(t, templates.List(), 1)
}

func TestToggleRole(t *testing.T) {
	tests := []struct {
		name       string
		rules      types.Rules
		wantAccess bool
		wantStatus types.RuleStatus
	}{
		{
			name:       "absent rule is created granting access",
			wantAccess: true,
			wantStatus: types.StatusUntested,
		},
		{
			name:       "bypassed becomes enforced when access is granted",
			rules:      types.Rules{types.RoleRule{RoleID: "r1", HasAccess: false, Status: types.StatusBypassed}},
			wantAccess: true,
			wantStatus: types.StatusEnforced,
		},
		{
			name:       "enforced becomes bypassed when access is revoked",
			rules:      types.Rules{types.RoleRule{RoleID: "r1", HasAccess: true, Status: types.StatusEnforced}},
			wantAccess: false,
			wantStatus: types.StatusBypassed,
		},
		{
			name:       "unexpected is left alone",
			rules:      types.Rules{types.RoleRule{RoleID: "r1", HasAccess: true, Status: types.StatusUnexpected}},
			wantAccess: false,
			wantStatus: types.StatusUnexpected,
		},
		{
			name:       "enforced stays enforced when access is granted",
			rules:      types.Rules{types.RoleRule{RoleID: "r1", HasAccess: false, Status: types.StatusEnforced}},
			wantAccess: true,
			wantStatus: types.StatusEnforced,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			templates := NewTemplates()
			templates.Add(types.Template{ID: "t1", Rules: tt.rules})

			updated, ok := templates.ToggleRole("t1", "r1")
			require.True(t, ok)

			i := updated.Rules.Find(types.SubjectRole, "r1")
			require.GreaterOrEqual(t, i, 0)
			assert.Equal(t, tt.wantAccess, updated.Rules[i].Access())
			assert.Equal(t, tt.wantStatus, updated.Rules[i].State())
			assert.Len(t, updated.Rules, 1)
		})
	}
}

func TestToggleUserDoesNotTouchRoleRules(t *testing.T) {
	templates := NewTemplates()
	templates.Add(types.Template{ID: "t1", Rules: types.Rules{
		types.RoleRule{RoleID: "u1", HasAccess: true, Status: types.StatusEnforced},
	}})

	updated, ok := templates.ToggleUser("t1", "u1")
	require.True(t, ok)
	require.Len(t, updated.Rules, 2)
	assert.IsType(t, types.UserRule{}, updated.Rules[1])
	assert.True(t, updated.Rules[0].Access())

	_, ok = templates.ToggleUser("missing", "u1")
	assert.False(t, ok)
}

func TestCheckAllForRole(t *testing.T) {
	templates := NewTemplates()
	templates.Add(types.Template{ID: "granted", Rules: types.Rules{types.RoleRule{RoleID: "r1", HasAccess: true}}})
	templates.Add(types.Template{ID: "denied", Rules: types.Rules{types.RoleRule{RoleID: "r1", HasAccess: false, Status: types.StatusBypassed}}})
	templates.Add(types.Template{ID: "absent"})

	changed := templates.CheckAllForRole("r1")
	assert.Len(t, changed, 2)

	for _, tmpl := range templates.List() {
		i := tmpl.Rules.Find(types.SubjectRole, "r1")
		require.GreaterOrEqual(t, i, 0, tmpl.ID)
		assert.True(t, tmpl.Rules[i].Access(), tmpl.ID)
	}

	denied, _ := templates.Get("denied")
	assert.Equal(t, types.StatusEnforced, denied.Rules[0].State())

	assert.Empty(t, templates.CheckAllForRole("r1"), "second pass has nothing left to grant")
}

func TestCheckAllForUser(t *testing.T) {
	templates := NewTemplates()
	templates.Add(types.Template{ID: "t1"})
	templates.Add(types.Template{ID: "t2", Rules: types.Rules{types.UserRule{UserID: "u1", HasAccess: true}}})

	assert.Len(t, templates.CheckAllForUser("u1"), 1)
}

func TestRemoveSubject(t *testing.T) {
	templates := NewTemplates()
	templates.Add(types.Template{ID: "t1", Rules: types.Rules{
		types.RoleRule{RoleID: "r1", HasAccess: true},
		types.UserRule{UserID: "u1"},
	}})
	templates.Add(types.Template{ID: "t2"})

	changed := templates.RemoveSubject(types.SubjectRole, "r1")
	require.Len(t, changed, 1)
	assert.Equal(t, "t1", changed[0].ID)

	t1, _ := templates.Get("t1")
	assert.Equal(t, -1, t1.Rules.Find(types.SubjectRole, "r1"))
	assert.Equal(t, 0, t1.Rules.Find(types.SubjectUser, "u1"))
}

func TestMergeStatuses(t *testing.T) {
	templates := NewTemplates()
	templates.Add(types.Template{ID: "t1", Rules: types.Rules{
		types.RoleRule{RoleID: "admin", HasAccess: true, Status: types.StatusUntested},
		types.RoleRule{RoleID: "viewer", HasAccess: false, Status: types.StatusUntested},
	}})

	// viewer was toggled after the evaluation below was computed
	_, ok := templates.ToggleRole("t1", "viewer")
	require.True(t, ok)

	evaluated := types.Rules{
		types.RoleRule{RoleID: "admin", HasAccess: true, Status: types.StatusEnforced},
		types.RoleRule{RoleID: "viewer", HasAccess: false, Status: types.StatusBypassed},
		types.UserRule{UserID: "alice", Status: types.StatusEnforced},
		types.UserRule{UserID: "ghost", Status: types.StatusBypassed},
	}
	exists := func(subject types.SubjectType, id string) bool { return id != "ghost" }

	merged, ok := templates.MergeStatuses("t1", evaluated, exists)
	require.True(t, ok)
	assert.Equal(t, types.Rules{
		types.RoleRule{RoleID: "admin", HasAccess: true, Status: types.StatusEnforced},
		types.RoleRule{RoleID: "viewer", HasAccess: true, Status: types.StatusUntested},
		types.UserRule{UserID: "alice", Status: types.StatusEnforced},
	}, merged.Rules)

	stored, _ := templates.Get("t1")
	assert.Equal(t, merged.Rules, stored.Rules)

	_, ok = templates.MergeStatuses("missing", evaluated, exists)
	assert.False(t, ok)
}

func TestTemplatesConcurrentToggle(t *testing.T) {
	templates := NewTemplates()
	for _, id := range []string{"t1", "t2", "t3"} {
		templates.Add(types.Template{ID: id})
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			templates.ToggleRole("t1", "r1")
			_ = templates.List()
		}()
	}
	wg.Wait()

	t1, _ := templates.Get("t1")
	require.Len(t, t1.Rules, 1)
	// 50 toggles starting from an absent rule: first grants, 49 flips follow.
	assert.False(t, t1.Rules[0].Access())
}

func TestSubstitutionsKeepOrder(t *testing.T) {
	subs := NewSubstitutions()
	subs.Add(types.Substitution{ID: "s1", Pattern: "{id}", Replacement: "1"})
	subs.Add(types.Substitution{ID: "s2", Pattern: "/v1", Replacement: "/v2"})
	subs.Add(types.Substitution{ID: "s3", Pattern: "{org}", Replacement: "acme"})

	updated, ok := subs.Update("s2", types.SubstitutionFields{Replacement: strPtr("/v3")})
	require.True(t, ok)
	assert.Equal(t, "/v3", updated.Replacement)
	assert.Equal(t, 1, subs.Position("s2"))

	require.True(t, subs.Remove("s1"))
	list := subs.List()
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].ID)
	assert.Equal(t, "s3", list[1].ID)
}

func TestSettings(t *testing.T) {
	settings := NewSettings()
	assert.Equal(t, types.CaptureOff, settings.Get().AutoCapture)

	settings.Set(types.Settings{AutoCapture: types.CaptureAll, DedupeHeaders: []string{"X-Tenant"}})
	got := settings.Get()
	got.DedupeHeaders[0] = "mutated"
	assert.Equal(t, []string{"X-Tenant"}, settings.Get().DedupeHeaders)

	settings.Reset()
	assert.Equal(t, types.DefaultSettings(), settings.Get())
}
