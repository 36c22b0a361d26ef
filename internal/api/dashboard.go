package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// MatrixRow is one template of the dashboard matrix with the status of every
// subject that has a rule on it.
type MatrixRow struct {
	TemplateID string                      `json:"templateId"`
	Method     string                      `json:"method"`
	Host       string                      `json:"host"`
	Path       string                      `json:"path"`
	Roles      map[string]types.RuleStatus `json:"roles"`
	Users      map[string]types.RuleStatus `json:"users"`
}

type Matrix struct {
	Roles  []types.Role             `json:"roles"`
	Users  []types.User             `json:"users"`
	Rows   []MatrixRow              `json:"rows"`
	Totals map[types.RuleStatus]int `json:"totals"`
}

// RegisterDashboardRoutes serves the matrix page. The page reads its data
// from /api/v1/matrix and listens on /api/v1/events.
func RegisterDashboardRoutes(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.String(http.StatusOK, dashboardHTML)
	})
}

func (s *Server) matrix(c *gin.Context) {
	ctx := c.Request.Context()
	m := Matrix{
		Roles:  s.svc.ListRoles(ctx),
		Users:  s.svc.ListUsers(ctx),
		Rows:   []MatrixRow{},
		Totals: map[types.RuleStatus]int{},
	}

	for _, tmpl := range s.svc.ListTemplates(ctx) {
		row := MatrixRow{
			TemplateID: tmpl.ID,
			Method:     tmpl.Meta.Method,
			Host:       tmpl.Meta.Host,
			Path:       tmpl.Meta.Path,
			Roles:      map[string]types.RuleStatus{},
			Users:      map[string]types.RuleStatus{},
		}
		for _, rule := range tmpl.Rules {
			if rule.Subject() == types.SubjectRole {
				row.Roles[rule.SubjectID()] = rule.State()
			} else {
				row.Users[rule.SubjectID()] = rule.State()
			}
			m.Totals[rule.State()]++
		}
		m.Rows = append(m.Rows, row)
	}

	c.JSON(http.StatusOK, m)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>authmatrix</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #0f172a; color: #e2e8f0; margin: 0; padding: 24px; }
        h1 { font-size: 20px; margin: 0 0 16px; }
        .totals span { margin-right: 16px; }
        table { border-collapse: collapse; width: 100%; margin-top: 16px; }
        th, td { border: 1px solid #334155; padding: 6px 10px; font-size: 13px; text-align: left; }
        th { background: #1e293b; }
        .Enforced { color: #4ade80; }
        .Bypassed { color: #f87171; font-weight: bold; }
        .Unexpected { color: #fbbf24; }
        .Untested { color: #94a3b8; }
        #status { color: #94a3b8; font-size: 12px; }
    </style>
</head>
<body>
    <h1>Authorization matrix</h1>
    <div id="status">connecting...</div>
    <div class="totals" id="totals"></div>
    <table id="matrix"></table>
    <script>
        const token = new URLSearchParams(location.search).get('token') || '';
        const auth = token ? { headers: { Authorization: 'Bearer ' + token } } : {};

        function cell(status) {
            if (!status) return '<td></td>';
            return '<td class="' + status + '">' + status + '</td>';
        }

        async function load() {
            const res = await fetch('/api/v1/matrix', auth);
            if (!res.ok) {
                document.getElementById('status').textContent = (await res.json()).error;
                return;
            }
            const m = await res.json();
            document.getElementById('totals').innerHTML = Object.entries(m.totals)
                .map(([k, v]) => '<span class="' + k + '">' + k + ': ' + v + '</span>').join('');

            let html = '<tr><th>Request</th>';
            m.roles.forEach(r => html += '<th>role: ' + r.name + '</th>');
            m.users.forEach(u => html += '<th>user: ' + u.name + '</th>');
            html += '</tr>';
            m.rows.forEach(row => {
                html += '<tr><td>' + row.method + ' ' + row.host + row.path + '</td>';
                m.roles.forEach(r => html += cell(row.roles[r.id]));
                m.users.forEach(u => html += cell(row.users[u.id]));
                html += '</tr>';
            });
            document.getElementById('matrix').innerHTML = html;
        }

        function listen() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/api/v1/events' + (token ? '?token=' + token : ''));
            ws.onopen = () => document.getElementById('status').textContent = 'live';
            ws.onmessage = () => load();
            ws.onclose = () => {
                document.getElementById('status').textContent = 'disconnected, retrying...';
                setTimeout(listen, 3000);
            };
        }

        load();
        listen();
    </script>
</body>
</html>
`
