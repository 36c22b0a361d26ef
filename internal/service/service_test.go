package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/database"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/transport"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type recorder struct {
	mu     sync.Mutex
	events []types.EventType
}

func (r *recorder) Emit(ctx context.Context, eventType types.EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recorder) kinds() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.EventType(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// failingRepo is a memory repository whose writes can be made to fail.
type failingRepo struct {
	*database.MemoryStore
	fail bool
}

var errDiskFull = errors.New("disk full")

func (f *failingRepo) CreateRole(ctx context.Context, projectID string, role types.Role) error {
	if f.fail {
		return errDiskFull
	}
	return f.MemoryStore.CreateRole(ctx, projectID, role)
}

type fixture struct {
	repo      *database.MemoryStore
	transport *transport.HTTPTransport
	events    *recorder
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      database.NewMemoryStore(),
		transport: transport.New(config.TransportConfig{Timeout: 5 * time.Second}, transport.NewMemoryExchangeStore(), logger.NewNop(), telemetry.NewNoop()),
		events:    &recorder{},
	}
	f.svc = f.newService(f.repo)
	return f
}

func (f *fixture) newService(repo core.Repository) *Service {
	return New(Config{BatchSize: 2}, repo, f.transport, f.events, logger.NewNop(), telemetry.NewNoop())
}

// selectNew creates and selects a project.
func (f *fixture) selectNew(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	project, err := f.svc.CreateProject(ctx, "shop")
	require.NoError(t, err)
	require.NoError(t, f.svc.SelectProject(ctx, project.ID))
	f.events.reset()
	return project.ID
}

// adminServer answers 200 on /admin for the alice session and 403 otherwise.
func adminServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := r.Cookie("session")
		if r.URL.Path == "/admin" && err == nil && session.Value == "alice" {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><head><title>Admin</title></head></html>")
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return server, u.Host
}

func TestOperationsWithoutProjectAreNoops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	role, err := f.svc.AddRole(ctx, "admin")
	assert.NoError(t, err)
	assert.Nil(t, role)

	user, err := f.svc.AddUser(ctx, "alice")
	assert.NoError(t, err)
	assert.Nil(t, user)

	tmpl, err := f.svc.AddTemplate(ctx)
	assert.NoError(t, err)
	assert.Nil(t, tmpl)

	summary, err := f.svc.RunAnalysis(ctx)
	assert.NoError(t, err)
	assert.Nil(t, summary)

	assert.NoError(t, f.svc.DeleteRole(ctx, "anything"))
	assert.Empty(t, f.events.kinds())
}

func TestSelectProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("unknown project", func(t *testing.T) {
		assert.ErrorIs(t, f.svc.SelectProject(ctx, "missing"), core.ErrNotFound)
		_, ok := f.svc.CurrentProject(ctx)
		assert.False(t, ok)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := f.svc.CreateProject(ctx, "  ")
		assert.ErrorIs(t, err, core.ErrMalformedInput)
	})

	t.Run("emits hydration events", func(t *testing.T) {
		project, err := f.svc.CreateProject(ctx, "shop")
		require.NoError(t, err)
		require.NoError(t, f.svc.SelectProject(ctx, project.ID))

		assert.Equal(t, []types.EventType{
			types.EventProjectChanged,
			types.EventRolesUpdated,
			types.EventUsersUpdated,
			types.EventTemplatesLoaded,
			types.EventSubstitutionUpdated,
			types.EventSettingsUpdated,
		}, f.events.kinds())

		current, ok := f.svc.CurrentProject(ctx)
		assert.True(t, ok)
		assert.Equal(t, project.ID, current)
		assert.Equal(t, types.DefaultSettings(), f.svc.GetSettings(ctx))

		projects, err := f.svc.ListProjects(ctx)
		require.NoError(t, err)
		assert.Len(t, projects, 1)
	})
}

func TestDeleteRoleCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := f.selectNew(t)

	admin, err := f.svc.AddRole(ctx, "admin")
	require.NoError(t, err)
	viewer, err := f.svc.AddRole(ctx, "viewer")
	require.NoError(t, err)
	alice, err := f.svc.AddUser(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.UpdateUser(ctx, alice.ID, types.UserFields{RoleIDs: []string{admin.ID, viewer.ID}})
	require.NoError(t, err)

	tmpl, err := f.svc.AddTemplate(ctx)
	require.NoError(t, err)
	_, err = f.svc.ToggleTemplateRole(ctx, tmpl.ID, admin.ID)
	require.NoError(t, err)
	_, err = f.svc.ToggleTemplateRole(ctx, tmpl.ID, viewer.ID)
	require.NoError(t, err)
	f.events.reset()

	require.NoError(t, f.svc.DeleteRole(ctx, admin.ID))
	assert.Equal(t, []types.EventType{
		types.EventRolesUpdated,
		types.EventUsersUpdated,
		types.EventTemplateUpdated,
	}, f.events.kinds())

	stored, err := f.svc.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{viewer.ID}, stored.RoleIDs)

	current, err := f.svc.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Rules{types.RoleRule{RoleID: viewer.ID, HasAccess: true, Status: types.StatusUntested}}, current.Rules)

	persisted, err := f.repo.ListTemplates(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, current.Rules, persisted[0].Rules)

	assert.ErrorIs(t, f.svc.DeleteRole(ctx, admin.ID), core.ErrNotFound)
}

func TestUpdateUserAttributes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.selectNew(t)

	user, err := f.svc.AddUser(ctx, "alice")
	require.NoError(t, err)

	tests := []struct {
		name    string
		attrs   []types.Attribute
		wantErr error
	}{
		{
			name:  "cookie and header",
			attrs: []types.Attribute{{Name: "session", Value: "abc", Kind: types.AttributeCookie}, {Name: "Authorization", Value: "Bearer x", Kind: types.AttributeHeader}},
		},
		{
			name:    "unknown kind",
			attrs:   []types.Attribute{{Name: "session", Value: "abc", Kind: "Query"}},
			wantErr: core.ErrMalformedInput,
		},
		{
			name:    "missing name",
			attrs:   []types.Attribute{{Value: "abc", Kind: types.AttributeCookie}},
			wantErr: core.ErrMalformedInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated, err := f.svc.UpdateUser(ctx, user.ID, types.UserFields{Attributes: &tt.attrs})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, updated.Attributes, len(tt.attrs))
			for _, a := range updated.Attributes {
				assert.NotEmpty(t, a.ID)
			}
		})
	}

	_, err = f.svc.UpdateUser(ctx, "missing", types.UserFields{})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	repo := &failingRepo{MemoryStore: f.repo}
	f.svc = f.newService(repo)
	f.selectNew(t)
	repo.fail = true

	role, err := f.svc.AddRole(ctx, "admin")
	assert.ErrorIs(t, err, errDiskFull)
	require.NotNil(t, role)
	assert.Len(t, f.svc.ListRoles(ctx), 1)
	assert.Equal(t, []types.EventType{types.EventRolesUpdated}, f.events.kinds())
}

func TestSubstitutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := f.selectNew(t)

	_, err := f.svc.AddSubstitution(ctx, "", "x")
	assert.ErrorIs(t, err, core.ErrMalformedInput)

	first, err := f.svc.AddSubstitution(ctx, "{orgId}", "42")
	require.NoError(t, err)
	second, err := f.svc.AddSubstitution(ctx, "{userId}", "7")
	require.NoError(t, err)

	replacement := "8"
	_, err = f.svc.UpdateSubstitution(ctx, second.ID, types.SubstitutionFields{Replacement: &replacement})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteSubstitution(ctx, first.ID))
	assert.ErrorIs(t, f.svc.DeleteSubstitution(ctx, first.ID), core.ErrNotFound)

	want := []types.Substitution{{ID: second.ID, Pattern: "{userId}", Replacement: "8"}}
	assert.Equal(t, want, f.svc.ListSubstitutions(ctx))
	stored, err := f.repo.ListSubstitutions(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, want, stored)

	require.NoError(t, f.svc.ClearSubstitutions(ctx))
	assert.Empty(t, f.svc.ListSubstitutions(ctx))
	assert.Equal(t, []types.EventType{
		types.EventSubstitutionCreated,
		types.EventSubstitutionCreated,
		types.EventSubstitutionUpdated,
		types.EventSubstitutionDeleted,
		types.EventSubstitutionsClear,
	}, f.events.kinds())
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := f.selectNew(t)

	tests := []struct {
		name     string
		settings types.Settings
		want     types.Settings
		wantErr  error
	}{
		{
			name: "headers canonicalised and deduplicated",
			settings: types.Settings{
				AutoCapture:   types.CaptureAll,
				DedupeHeaders: []string{"x-tenant", " X-Tenant ", "", "authorization"},
				DefaultFilter: ` request.method == "GET" `,
			},
			want: types.Settings{
				AutoCapture:   types.CaptureAll,
				DedupeHeaders: []string{"X-Tenant", "Authorization"},
				DefaultFilter: `request.method == "GET"`,
			},
		},
		{
			name:     "empty mode means off",
			settings: types.Settings{AutoRunAnalysis: true},
			want:     types.Settings{AutoCapture: types.CaptureOff, AutoRunAnalysis: true, DedupeHeaders: []string{}},
		},
		{
			name:     "unknown mode",
			settings: types.Settings{AutoCapture: "sometimes"},
			wantErr:  core.ErrMalformedInput,
		},
		{
			name:     "filter that does not compile",
			settings: types.Settings{AutoCapture: types.CaptureAll, DefaultFilter: "request.method =="},
			wantErr:  core.ErrMalformedInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.UpdateSettings(ctx, tt.settings)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)

			stored, err := f.repo.GetSettings(ctx, projectID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *stored)
		})
	}
}

func TestUpdateTemplateRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.selectNew(t)
	_, host := adminServer(t)

	tmpl, err := f.svc.AddTemplate(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.TemplateMeta{Host: "localhost", Port: 10134, Path: "/", Method: "GET"}, tmpl.Meta)
	assert.Equal(t, "HTTP/1[.]1 200", tmpl.AuthSuccessRegex)

	t.Run("malformed raw request", func(t *testing.T) {
		_, err := f.svc.UpdateTemplateRequest(ctx, tmpl.ID, "GET /admin HTTP/1.1\r\n\r\n")
		assert.ErrorIs(t, err, core.ErrMalformedInput)
	})

	t.Run("unknown template", func(t *testing.T) {
		_, err := f.svc.UpdateTemplateRequest(ctx, "missing", "GET / HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("sent and stored", func(t *testing.T) {
		raw := "GET /admin?tab=users HTTP/1.1\r\nHost: " + host + "\r\nCookie: session=alice\r\n\r\n"
		updated, err := f.svc.UpdateTemplateRequest(ctx, tmpl.ID, raw)
		require.NoError(t, err)

		assert.Equal(t, "/admin?tab=users", updated.Meta.Path)
		assert.Equal(t, "GET", updated.Meta.Method)
		assert.False(t, updated.Meta.IsTLS)
		assert.Greater(t, updated.OriginalResponseLength, 0)

		pair, err := f.svc.GetRequestResponse(ctx, updated.RequestID)
		require.NoError(t, err)
		assert.Contains(t, pair.Request.Raw, "GET /admin?tab=users HTTP/1.1")
		require.NotNil(t, pair.Response)
		assert.Contains(t, pair.Response.Raw, "HTTP/1.1 200")
	})

	t.Run("unknown request id", func(t *testing.T) {
		_, err := f.svc.GetRequestResponse(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrTransport)
	})
}

func TestRunAnalysisEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := f.selectNew(t)
	_, host := adminServer(t)

	admin, err := f.svc.AddRole(ctx, "admin")
	require.NoError(t, err)

	alice, err := f.svc.AddUser(ctx, "alice")
	require.NoError(t, err)
	aliceAttrs := []types.Attribute{{Name: "session", Value: "alice", Kind: types.AttributeCookie}}
	_, err = f.svc.UpdateUser(ctx, alice.ID, types.UserFields{RoleIDs: []string{admin.ID}, Attributes: &aliceAttrs})
	require.NoError(t, err)

	bob, err := f.svc.AddUser(ctx, "bob")
	require.NoError(t, err)
	bobAttrs := []types.Attribute{{Name: "session", Value: "bob", Kind: types.AttributeCookie}}
	_, err = f.svc.UpdateUser(ctx, bob.ID, types.UserFields{Attributes: &bobAttrs})
	require.NoError(t, err)

	tmpl, err := f.svc.AddTemplate(ctx)
	require.NoError(t, err)
	_, err = f.svc.UpdateTemplateRequest(ctx, tmpl.ID, "GET /admin HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
	require.NoError(t, err)
	_, err = f.svc.ToggleTemplateRole(ctx, tmpl.ID, admin.ID)
	require.NoError(t, err)

	summary, err := f.svc.RunAnalysis(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Sent)
	assert.Len(t, f.svc.GetResults(ctx), 2)
	assert.False(t, f.svc.AnalysisRunning())

	analysed, err := f.svc.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	want := map[string]types.RuleStatus{
		string(types.SubjectRole) + admin.ID: types.StatusEnforced,
		string(types.SubjectUser) + alice.ID: types.StatusEnforced,
		string(types.SubjectUser) + bob.ID:   types.StatusEnforced,
	}
	require.Len(t, analysed.Rules, len(want))
	for _, r := range analysed.Rules {
		assert.Equal(t, want[string(r.Subject())+r.SubjectID()], r.State(), "%s %s", r.Subject(), r.SubjectID())
	}

	// A fresh service over the same repository sees the classified rules.
	reloaded := f.newService(f.repo)
	require.NoError(t, reloaded.SelectProject(ctx, projectID))
	again, err := reloaded.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, analysed.Rules, again.Rules)
	assert.Empty(t, reloaded.GetResults(ctx))

	users := reloaded.ListUsers(ctx)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Attributes[0].Value)
}

func TestCheckAllTemplates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.selectNew(t)

	role, err := f.svc.AddRole(ctx, "auditor")
	require.NoError(t, err)
	first, err := f.svc.AddTemplate(ctx)
	require.NoError(t, err)
	_, err = f.svc.AddTemplate(ctx)
	require.NoError(t, err)
	_, err = f.svc.ToggleTemplateRole(ctx, first.ID, role.ID)
	require.NoError(t, err)

	changed, err := f.svc.CheckAllTemplatesForRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	changed, err = f.svc.CheckAllTemplatesForRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	for _, tmpl := range f.svc.ListTemplates(ctx) {
		i := tmpl.Rules.Find(types.SubjectRole, role.ID)
		require.GreaterOrEqual(t, i, 0)
		assert.True(t, tmpl.Rules[i].Access())
	}
}

func TestIngestCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.selectNew(t)

	rawRequest := "GET /api/orders HTTP/1.1\r\nHost: shop.example.com\r\n\r\n"
	rawResponse := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n[]"

	exchange, tmpl, err := f.svc.IngestCapture(ctx, rawRequest, rawResponse, false)
	require.NoError(t, err)
	require.NotNil(t, exchange)
	assert.Nil(t, tmpl, "capture is off by default")

	_, err = f.svc.UpdateSettings(ctx, types.Settings{AutoCapture: types.CaptureAll})
	require.NoError(t, err)

	_, tmpl, err = f.svc.IngestCapture(ctx, rawRequest, rawResponse, false)
	require.NoError(t, err)
	require.NotNil(t, tmpl)
	assert.Equal(t, "HTTP/1[.]1 200", tmpl.AuthSuccessRegex)
	assert.Equal(t, "/api/orders", tmpl.Meta.Path)
	assert.True(t, f.svc.TemplateExists(ctx, tmpl.ID))

	_, dup, err := f.svc.IngestCapture(ctx, rawRequest, rawResponse, false)
	require.NoError(t, err)
	assert.Nil(t, dup)
	assert.Len(t, f.svc.ListTemplates(ctx), 1)
}

func TestImportOpenAPI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := f.selectNew(t)
	server, _ := adminServer(t)

	document := []byte(`{
		"openapi": "3.0.0",
		"info": {"title": "shop", "version": "1"},
		"servers": [{"url": "` + server.URL + `"}],
		"paths": {
			"/orders/{orderId}": {
				"get": {"parameters": [{"name": "orderId", "in": "path", "required": true, "example": 7}]},
				"delete": {"parameters": [{"name": "orderId", "in": "path", "required": true, "example": 7}]}
			}
		}
	}`)

	result, err := f.svc.ImportOpenAPI(ctx, document)
	require.NoError(t, err)
	require.Len(t, result.Templates, 2)
	assert.Len(t, f.svc.ListTemplates(ctx), 2)

	stored, err := f.repo.ListTemplates(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	again, err := f.svc.ImportOpenAPI(ctx, document)
	require.NoError(t, err)
	assert.Empty(t, again.Templates)
	assert.Len(t, f.svc.ListTemplates(ctx), 2)

	_, err = f.svc.ImportOpenAPI(ctx, []byte("{not json"))
	assert.ErrorIs(t, err, core.ErrMalformedInput)
}

func TestDeleteProjectData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := f.selectNew(t)

	_, err := f.svc.AddRole(ctx, "admin")
	require.NoError(t, err)
	_, err = f.svc.AddTemplate(ctx)
	require.NoError(t, err)
	_, err = f.svc.AddSubstitution(ctx, "{id}", "1")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteProjectData(ctx))
	assert.Empty(t, f.svc.ListRoles(ctx))
	assert.Empty(t, f.svc.ListTemplates(ctx))
	assert.Empty(t, f.svc.ListSubstitutions(ctx))

	current, ok := f.svc.CurrentProject(ctx)
	assert.True(t, ok)
	assert.Equal(t, projectID, current)

	roles, err := f.repo.ListRoles(ctx, projectID)
	require.NoError(t, err)
	assert.Empty(t, roles)
}
