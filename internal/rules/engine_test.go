package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/results"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockExchanges struct {
	mock.Mock
}

func (m *mockExchanges) Get(ctx context.Context, requestID string) (*types.Exchange, error) {
	args := m.Called(ctx, requestID)
	if ex, ok := args.Get(0).(*types.Exchange); ok {
		return ex, args.Error(1)
	}
	return nil, args.Error(1)
}

func exchangeWithStatus(id, statusLine string) *types.Exchange {
	return &types.Exchange{
		ID:       id,
		Response: &types.HTTPResponse{Raw: statusLine + "\r\nContent-Length: 0\r\n\r\n"},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
		observed []bool
		missing  bool
		want     types.RuleStatus
	}{
		{"expected access and all granted", true, []bool{true, true}, false, types.StatusEnforced},
		{"expected access and one denied", true, []bool{true, false}, false, types.StatusUnexpected},
		{"expected denial and all denied", false, []bool{false, false}, false, types.StatusEnforced},
		{"expected denial and one granted", false, []bool{false, true}, false, types.StatusBypassed},
		{"missing response overrides agreement", true, []bool{true}, true, types.StatusUnexpected},
		{"missing response overrides bypass", false, []bool{true}, true, types.StatusUnexpected},
		{"no observations agree vacuously", false, nil, false, types.StatusEnforced},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.expected, tt.observed, tt.missing))
		})
	}
}

func TestExpectedForUser(t *testing.T) {
	alice := types.User{ID: "alice", RoleIDs: []string{"admin"}}
	bob := types.User{ID: "bob"}

	rules := types.Rules{
		types.RoleRule{RoleID: "admin", HasAccess: true},
		types.UserRule{UserID: "bob", HasAccess: false},
		types.UserRule{UserID: "carol", HasAccess: true},
	}

	assert.True(t, ExpectedForUser(rules, alice))
	assert.False(t, ExpectedForUser(rules, bob))
	assert.True(t, ExpectedForUser(rules, types.User{ID: "carol"}))
	assert.False(t, ExpectedForUser(types.Rules{types.RoleRule{RoleID: "admin"}}, alice))
}

func TestMaterialize(t *testing.T) {
	existing := types.Rules{types.RoleRule{RoleID: "admin", HasAccess: true, Status: types.StatusEnforced}}
	roles := []types.Role{{ID: "admin"}, {ID: "viewer"}}
	users := []types.User{{ID: "alice"}}

	out := Materialize(existing, roles, users)
	require.Len(t, out, 3)
	assert.Equal(t, existing[0], out[0])
	assert.Equal(t, types.RoleRule{RoleID: "viewer", Status: types.StatusUntested}, out[1])
	assert.Equal(t, types.UserRule{UserID: "alice", Status: types.StatusUntested}, out[2])
	assert.Len(t, existing, 1)
}

func newEngine(exchanges ExchangeGetter) *Engine {
	return NewEngine(exchanges, logger.NewNop(), telemetry.NewNoop())
}

func statusOf(t *testing.T, rules types.Rules, subject types.SubjectType, id string) types.RuleStatus {
	t.Helper()
	i := rules.Find(subject, id)
	require.GreaterOrEqual(t, i, 0, "rule for %s %s", subject, id)
	return rules[i].State()
}

func TestEvaluateAdminScenario(t *testing.T) {
	alice := types.User{ID: "alice", Name: "alice", RoleIDs: []string{"admin"}}
	bob := types.User{ID: "bob", Name: "bob"}
	users := []types.User{alice, bob}

	tmpl := types.Template{
		ID:               "t-admin",
		AuthSuccessRegex: "HTTP/1.1 200",
		Rules: Materialize(
			types.Rules{types.RoleRule{RoleID: "admin", HasAccess: true}},
			[]types.Role{{ID: "admin"}},
			users,
		),
		Meta: types.TemplateMeta{Path: "/admin"},
	}
	records := []types.AnalysisRequest{
		results.NewRecord(tmpl.ID, "alice", "req-alice"),
		results.NewRecord(tmpl.ID, "bob", "req-bob"),
	}

	tests := []struct {
		name      string
		bobStatus string
		wantAdmin types.RuleStatus
		wantAlice types.RuleStatus
		wantBob   types.RuleStatus
	}{
		{
			name:      "bob is denied",
			bobStatus: "HTTP/1.1 403 Forbidden",
			wantAdmin: types.StatusEnforced,
			wantAlice: types.StatusEnforced,
			wantBob:   types.StatusEnforced,
		},
		{
			name:      "bob gets in",
			bobStatus: "HTTP/1.1 200 OK",
			wantAdmin: types.StatusEnforced,
			wantAlice: types.StatusEnforced,
			wantBob:   types.StatusBypassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exchanges := new(mockExchanges)
			exchanges.On("Get", mock.Anything, "req-alice").Return(exchangeWithStatus("req-alice", "HTTP/1.1 200 OK"), nil)
			exchanges.On("Get", mock.Anything, "req-bob").Return(exchangeWithStatus("req-bob", tt.bobStatus), nil)

			out := newEngine(exchanges).Evaluate(context.Background(), tmpl, users, records)

			assert.Equal(t, tt.wantAdmin, statusOf(t, out, types.SubjectRole, "admin"))
			assert.Equal(t, tt.wantAlice, statusOf(t, out, types.SubjectUser, "alice"))
			assert.Equal(t, tt.wantBob, statusOf(t, out, types.SubjectUser, "bob"))
			// each response is fetched once even though alice backs two rules
			exchanges.AssertNumberOfCalls(t, "Get", 2)
		})
	}
}

func TestEvaluateMissingResponseIsUnexpected(t *testing.T) {
	users := []types.User{
		{ID: "u1", RoleIDs: []string{"r1"}},
		{ID: "u2", RoleIDs: []string{"r1"}},
	}
	tmpl := types.Template{
		ID:               "t1",
		AuthSuccessRegex: "HTTP/1[.]1 200",
		Rules:            types.Rules{types.RoleRule{RoleID: "r1", HasAccess: true}},
	}
	records := []types.AnalysisRequest{
		results.NewRecord("t1", "u1", "ok"),
		results.NewRecord("t1", "u2", "gone"),
	}

	exchanges := new(mockExchanges)
	exchanges.On("Get", mock.Anything, "ok").Return(exchangeWithStatus("ok", "HTTP/1.1 200 OK"), nil)
	exchanges.On("Get", mock.Anything, "gone").Return(nil, core.NewTransportError("get", "gone", errors.New("request not found")))

	out := newEngine(exchanges).Evaluate(context.Background(), tmpl, users, records)
	assert.Equal(t, types.StatusUnexpected, statusOf(t, out, types.SubjectRole, "r1"))
}

func TestEvaluateResponseAbsentIsUnexpected(t *testing.T) {
	users := []types.User{{ID: "u1"}}
	tmpl := types.Template{
		ID:               "t1",
		AuthSuccessRegex: "HTTP/1[.]1 200",
		Rules:            types.Rules{types.UserRule{UserID: "u1"}},
	}

	exchanges := new(mockExchanges)
	exchanges.On("Get", mock.Anything, "req").Return(&types.Exchange{ID: "req"}, nil)

	out := newEngine(exchanges).Evaluate(context.Background(), tmpl, users, []types.AnalysisRequest{results.NewRecord("t1", "u1", "req")})
	assert.Equal(t, types.StatusUnexpected, statusOf(t, out, types.SubjectUser, "u1"))
}

func TestEvaluateWithoutObservationsIsUntested(t *testing.T) {
	tmpl := types.Template{
		ID:               "t1",
		AuthSuccessRegex: "HTTP/1[.]1 200",
		Rules: types.Rules{
			types.RoleRule{RoleID: "empty-role", HasAccess: true, Status: types.StatusEnforced},
			types.UserRule{UserID: "deleted-user", Status: types.StatusBypassed},
		},
	}

	exchanges := new(mockExchanges)
	out := newEngine(exchanges).Evaluate(context.Background(), tmpl, nil, nil)

	assert.Equal(t, types.StatusUntested, statusOf(t, out, types.SubjectRole, "empty-role"))
	assert.Equal(t, types.StatusUntested, statusOf(t, out, types.SubjectUser, "deleted-user"))
	assert.True(t, out[0].Access(), "expected access is preserved")
	exchanges.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestEvaluateInvalidRegex(t *testing.T) {
	users := []types.User{{ID: "u1"}}
	tmpl := types.Template{
		ID:               "t1",
		AuthSuccessRegex: "HTTP/1.1 (200",
		Rules:            types.Rules{types.UserRule{UserID: "u1", HasAccess: true}},
	}

	exchanges := new(mockExchanges)
	out := newEngine(exchanges).Evaluate(context.Background(), tmpl, users, []types.AnalysisRequest{results.NewRecord("t1", "u1", "req")})

	assert.Equal(t, types.StatusUnexpected, statusOf(t, out, types.SubjectUser, "u1"))
}
