// internal/database/store.go

// Package database persists projects and their roles, users, templates,
// substitutions and settings in PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/credentials"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	sealer *credentials.Sealer
	logger *logger.Logger
}

var _ core.Repository = (*Store)(nil)

// Open returns the repository selected by cfg.Driver: PostgreSQL, or an
// in-process store for the "memory" driver.
func Open(cfg config.DatabaseConfig, sealer *credentials.Sealer, log *logger.Logger) (core.Repository, error) {
	if cfg.Driver == "memory" {
		return NewMemoryStore(), nil
	}
	return NewStore(cfg, sealer, log)
}

func NewStore(cfg config.DatabaseConfig, sealer *credentials.Sealer, log *logger.Logger) (*Store, error) {
	log = log.WithComponent("database")

	ctx, span := log.StartOperation(context.Background(), "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
	)
	start := time.Now()
	var err error
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err = NewMigrationRunner(db, log).RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if sealer == nil {
		sealer = credentials.NewSealer("")
	}

	log.Infow("Database store initialized",
		"driver", cfg.Driver,
		"attribute_sealing", sealer.Enabled(),
	)
	return &Store{db: db, cfg: cfg, sealer: sealer, logger: log}, nil
}

// maskDSN hides credentials in DSNs written to the log.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) exec(ctx context.Context, q sqlx.ExecerContext, operation, table, query string, args ...interface{}) error {
	start := time.Now()
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.LogError(ctx, err, "database."+operation, "table", table)
		return err
	}
	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, operation, table, rows, time.Since(start))
	return nil
}

// withTx runs fn in a transaction, rolling back when fn fails.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Projects

func (s *Store) CreateProject(ctx context.Context, project types.Project) error {
	return s.exec(ctx, s.db, "INSERT", "projects",
		`INSERT INTO projects (id, name, created_at) VALUES ($1, $2, $3)`,
		project.ID, project.Name, project.CreatedAt,
	)
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*types.Project, error) {
	var project types.Project
	err := s.db.GetContext(ctx, &project, `SELECT id, name, created_at FROM projects WHERE id = $1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]types.Project, error) {
	projects := []types.Project{}
	err := s.db.SelectContext(ctx, &projects, `SELECT id, name, created_at FROM projects ORDER BY created_at, id`)
	return projects, err
}

func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	return s.exec(ctx, s.db, "DELETE", "projects", `DELETE FROM projects WHERE id = $1`, projectID)
}

// DeleteProjectData removes every row owned by the project but keeps the
// project itself.
func (s *Store) DeleteProjectData(ctx context.Context, projectID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"templates", "users", "roles", "substitutions", "settings"} {
			query := fmt.Sprintf(`DELETE FROM %s WHERE project_id = $1`, table)
			if err := s.exec(ctx, tx, "DELETE", table, query, projectID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Roles

func (s *Store) CreateRole(ctx context.Context, projectID string, role types.Role) error {
	return s.exec(ctx, s.db, "INSERT", "roles",
		`INSERT INTO roles (id, project_id, name, description) VALUES ($1, $2, $3, $4)`,
		role.ID, projectID, role.Name, role.Description,
	)
}

func (s *Store) UpdateRole(ctx context.Context, projectID string, role types.Role) error {
	return s.exec(ctx, s.db, "UPDATE", "roles",
		`UPDATE roles SET name = $3, description = $4 WHERE project_id = $1 AND id = $2`,
		projectID, role.ID, role.Name, role.Description,
	)
}

func (s *Store) RemoveRole(ctx context.Context, projectID, roleID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.exec(ctx, tx, "DELETE", "template_rules",
			`DELETE FROM template_rules WHERE project_id = $1 AND subject_type = $2 AND subject_id = $3`,
			projectID, string(types.SubjectRole), roleID,
		); err != nil {
			return err
		}
		return s.exec(ctx, tx, "DELETE", "roles",
			`DELETE FROM roles WHERE project_id = $1 AND id = $2`, projectID, roleID)
	})
}

func (s *Store) ListRoles(ctx context.Context, projectID string) ([]types.Role, error) {
	roles := []types.Role{}
	err := s.db.SelectContext(ctx, &roles,
		`SELECT id, name, description FROM roles WHERE project_id = $1 ORDER BY seq`, projectID)
	return roles, err
}

// Users

func (s *Store) CreateUser(ctx context.Context, projectID string, user types.User) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.exec(ctx, tx, "INSERT", "users",
			`INSERT INTO users (id, project_id, name) VALUES ($1, $2, $3)`,
			user.ID, projectID, user.Name,
		); err != nil {
			return err
		}
		return s.syncUserChildren(ctx, tx, user)
	})
}

func (s *Store) UpdateUser(ctx context.Context, projectID string, user types.User) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.exec(ctx, tx, "UPDATE", "users",
			`UPDATE users SET name = $3 WHERE project_id = $1 AND id = $2`,
			projectID, user.ID, user.Name,
		); err != nil {
			return err
		}
		return s.syncUserChildren(ctx, tx, user)
	})
}

// syncUserChildren makes user_roles and user_attributes match user: rows
// that are no longer present are deleted, the rest are upserted.
func (s *Store) syncUserChildren(ctx context.Context, tx *sqlx.Tx, user types.User) error {
	roleIDs := append([]string{}, user.RoleIDs...)
	if err := s.exec(ctx, tx, "DELETE", "user_roles",
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id <> ALL($2)`,
		user.ID, pq.Array(roleIDs),
	); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if err := s.exec(ctx, tx, "INSERT", "user_roles",
			`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			user.ID, roleID,
		); err != nil {
			return err
		}
	}

	attrIDs := make([]string, 0, len(user.Attributes))
	for _, a := range user.Attributes {
		attrIDs = append(attrIDs, a.ID)
	}
	if err := s.exec(ctx, tx, "DELETE", "user_attributes",
		`DELETE FROM user_attributes WHERE user_id = $1 AND id <> ALL($2)`,
		user.ID, pq.Array(attrIDs),
	); err != nil {
		return err
	}
	for i, a := range user.Attributes {
		value, err := s.sealer.Seal(a.Value)
		if err != nil {
			return err
		}
		if err := s.exec(ctx, tx, "UPSERT", "user_attributes", `
			INSERT INTO user_attributes (id, user_id, name, value, kind, position)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				value = EXCLUDED.value,
				kind = EXCLUDED.kind,
				position = EXCLUDED.position`,
			a.ID, user.ID, a.Name, value, string(a.Kind), i,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) RemoveUser(ctx context.Context, projectID, userID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.exec(ctx, tx, "DELETE", "template_rules",
			`DELETE FROM template_rules WHERE project_id = $1 AND subject_type = $2 AND subject_id = $3`,
			projectID, string(types.SubjectUser), userID,
		); err != nil {
			return err
		}
		return s.exec(ctx, tx, "DELETE", "users",
			`DELETE FROM users WHERE project_id = $1 AND id = $2`, projectID, userID)
	})
}

type userRoleRow struct {
	UserID string `db:"user_id"`
	RoleID string `db:"role_id"`
}

type attributeRow struct {
	UserID string `db:"user_id"`
	types.Attribute
}

func (s *Store) ListUsers(ctx context.Context, projectID string) ([]types.User, error) {
	users := []types.User{}
	if err := s.db.SelectContext(ctx, &users,
		`SELECT id, name FROM users WHERE project_id = $1 ORDER BY seq`, projectID,
	); err != nil {
		return nil, err
	}

	var roles []userRoleRow
	if err := s.db.SelectContext(ctx, &roles, `
		SELECT ur.user_id, ur.role_id
		FROM user_roles ur
		JOIN users u ON u.id = ur.user_id
		JOIN roles r ON r.id = ur.role_id
		WHERE u.project_id = $1
		ORDER BY r.seq`, projectID,
	); err != nil {
		return nil, err
	}

	var attrs []attributeRow
	if err := s.db.SelectContext(ctx, &attrs, `
		SELECT a.user_id, a.id, a.name, a.value, a.kind
		FROM user_attributes a
		JOIN users u ON u.id = a.user_id
		WHERE u.project_id = $1
		ORDER BY a.position`, projectID,
	); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(users))
	for i := range users {
		users[i].RoleIDs = []string{}
		users[i].Attributes = []types.Attribute{}
		index[users[i].ID] = i
	}
	for _, r := range roles {
		if i, ok := index[r.UserID]; ok {
			users[i].RoleIDs = append(users[i].RoleIDs, r.RoleID)
		}
	}
	for _, a := range attrs {
		i, ok := index[a.UserID]
		if !ok {
			continue
		}
		value, err := s.sealer.Open(a.Value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", a.ID, err)
		}
		a.Attribute.Value = value
		users[i].Attributes = append(users[i].Attributes, a.Attribute)
	}
	return users, nil
}

// Templates

type templateRow struct {
	ID                     string `db:"id"`
	RequestID              string `db:"request_id"`
	AuthSuccessRegex       string `db:"auth_success_regex"`
	OriginalResponseLength int    `db:"original_response_length"`
	Host                   string `db:"meta_host"`
	Port                   int    `db:"meta_port"`
	Path                   string `db:"meta_path"`
	IsTLS                  bool   `db:"meta_is_tls"`
	Method                 string `db:"meta_method"`
}

type ruleRow struct {
	TemplateID string           `db:"template_id"`
	Subject    string           `db:"subject_type"`
	SubjectID  string           `db:"subject_id"`
	HasAccess  bool             `db:"has_access"`
	Status     types.RuleStatus `db:"status"`
}

func (s *Store) CreateTemplate(ctx context.Context, projectID string, tmpl types.Template) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.exec(ctx, tx, "INSERT", "templates", `
			INSERT INTO templates (
				project_id, id, request_id, auth_success_regex, original_response_length,
				meta_host, meta_port, meta_path, meta_is_tls, meta_method
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (project_id, id) DO NOTHING`,
			projectID, tmpl.ID, tmpl.RequestID, tmpl.AuthSuccessRegex, tmpl.OriginalResponseLength,
			tmpl.Meta.Host, tmpl.Meta.Port, tmpl.Meta.Path, tmpl.Meta.IsTLS, tmpl.Meta.Method,
		); err != nil {
			return err
		}
		return s.syncRules(ctx, tx, projectID, tmpl)
	})
}

func (s *Store) UpdateTemplate(ctx context.Context, projectID string, tmpl types.Template) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.exec(ctx, tx, "UPDATE", "templates", `
			UPDATE templates SET
				request_id = $3,
				auth_success_regex = $4,
				original_response_length = $5,
				meta_host = $6,
				meta_port = $7,
				meta_path = $8,
				meta_is_tls = $9,
				meta_method = $10
			WHERE project_id = $1 AND id = $2`,
			projectID, tmpl.ID, tmpl.RequestID, tmpl.AuthSuccessRegex, tmpl.OriginalResponseLength,
			tmpl.Meta.Host, tmpl.Meta.Port, tmpl.Meta.Path, tmpl.Meta.IsTLS, tmpl.Meta.Method,
		); err != nil {
			return err
		}
		return s.syncRules(ctx, tx, projectID, tmpl)
	})
}

func ruleKey(subject types.SubjectType, subjectID string) string {
	return string(subject) + ":" + subjectID
}

func (s *Store) syncRules(ctx context.Context, tx *sqlx.Tx, projectID string, tmpl types.Template) error {
	keys := make([]string, 0, len(tmpl.Rules))
	for _, r := range tmpl.Rules {
		keys = append(keys, ruleKey(r.Subject(), r.SubjectID()))
	}
	if err := s.exec(ctx, tx, "DELETE", "template_rules", `
		DELETE FROM template_rules
		WHERE project_id = $1 AND template_id = $2
		AND (subject_type || ':' || subject_id) <> ALL($3)`,
		projectID, tmpl.ID, pq.Array(keys),
	); err != nil {
		return err
	}

	for i, r := range tmpl.Rules {
		if err := s.exec(ctx, tx, "UPSERT", "template_rules", `
			INSERT INTO template_rules (project_id, template_id, subject_type, subject_id, has_access, status, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (project_id, template_id, subject_type, subject_id) DO UPDATE SET
				has_access = EXCLUDED.has_access,
				status = EXCLUDED.status,
				position = EXCLUDED.position`,
			projectID, tmpl.ID, string(r.Subject()), r.SubjectID(), r.Access(), string(r.State()), i,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) RemoveTemplate(ctx context.Context, projectID, templateID string) error {
	return s.exec(ctx, s.db, "DELETE", "templates",
		`DELETE FROM templates WHERE project_id = $1 AND id = $2`, projectID, templateID)
}

func (s *Store) ClearTemplates(ctx context.Context, projectID string) error {
	return s.exec(ctx, s.db, "DELETE", "templates", `DELETE FROM templates WHERE project_id = $1`, projectID)
}

func (s *Store) ListTemplates(ctx context.Context, projectID string) ([]types.Template, error) {
	var rows []templateRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, request_id, auth_success_regex, original_response_length,
			meta_host, meta_port, meta_path, meta_is_tls, meta_method
		FROM templates WHERE project_id = $1 ORDER BY seq`, projectID,
	); err != nil {
		return nil, err
	}

	var rules []ruleRow
	if err := s.db.SelectContext(ctx, &rules, `
		SELECT template_id, subject_type, subject_id, has_access, status
		FROM template_rules WHERE project_id = $1
		ORDER BY template_id, position`, projectID,
	); err != nil {
		return nil, err
	}

	byTemplate := make(map[string]types.Rules)
	for _, r := range rules {
		rule, err := types.NewRule(types.SubjectType(r.Subject), r.SubjectID, r.HasAccess, r.Status)
		if err != nil {
			s.logger.Warnw("Skipping stored rule", "template_id", r.TemplateID, "error", err)
			continue
		}
		byTemplate[r.TemplateID] = append(byTemplate[r.TemplateID], rule)
	}

	templates := make([]types.Template, 0, len(rows))
	for _, row := range rows {
		rs := byTemplate[row.ID]
		if rs == nil {
			rs = types.Rules{}
		}
		templates = append(templates, types.Template{
			ID:                     row.ID,
			RequestID:              row.RequestID,
			AuthSuccessRegex:       row.AuthSuccessRegex,
			OriginalResponseLength: row.OriginalResponseLength,
			Rules:                  rs,
			Meta: types.TemplateMeta{
				Host:   row.Host,
				Port:   row.Port,
				Path:   row.Path,
				IsTLS:  row.IsTLS,
				Method: row.Method,
			},
		})
	}
	return templates, nil
}

// Substitutions

func (s *Store) CreateSubstitution(ctx context.Context, projectID string, sub types.Substitution) error {
	return s.exec(ctx, s.db, "INSERT", "substitutions", `
		INSERT INTO substitutions (id, project_id, pattern, replacement, position)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(position) + 1, 0) FROM substitutions WHERE project_id = $2))`,
		sub.ID, projectID, sub.Pattern, sub.Replacement,
	)
}

func (s *Store) UpdateSubstitution(ctx context.Context, projectID string, sub types.Substitution) error {
	return s.exec(ctx, s.db, "UPDATE", "substitutions",
		`UPDATE substitutions SET pattern = $3, replacement = $4 WHERE project_id = $1 AND id = $2`,
		projectID, sub.ID, sub.Pattern, sub.Replacement,
	)
}

func (s *Store) RemoveSubstitution(ctx context.Context, projectID, substitutionID string) error {
	return s.exec(ctx, s.db, "DELETE", "substitutions",
		`DELETE FROM substitutions WHERE project_id = $1 AND id = $2`, projectID, substitutionID)
}

func (s *Store) ClearSubstitutions(ctx context.Context, projectID string) error {
	return s.exec(ctx, s.db, "DELETE", "substitutions", `DELETE FROM substitutions WHERE project_id = $1`, projectID)
}

func (s *Store) ListSubstitutions(ctx context.Context, projectID string) ([]types.Substitution, error) {
	subs := []types.Substitution{}
	err := s.db.SelectContext(ctx, &subs,
		`SELECT id, pattern, replacement FROM substitutions WHERE project_id = $1 ORDER BY position`, projectID)
	return subs, err
}

// Settings

func (s *Store) GetSettings(ctx context.Context, projectID string) (*types.Settings, error) {
	var document []byte
	err := s.db.GetContext(ctx, &document, `SELECT document FROM settings WHERE project_id = $1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	settings := types.DefaultSettings()
	if err := json.Unmarshal(document, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if settings.DedupeHeaders == nil {
		settings.DedupeHeaders = []string{}
	}
	return &settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, projectID string, settings types.Settings) error {
	document, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return s.exec(ctx, s.db, "UPSERT", "settings", `
		INSERT INTO settings (project_id, document, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (project_id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		projectID, string(document), time.Now().UTC(),
	)
}
