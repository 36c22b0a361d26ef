// internal/rules/engine.go

// Package rules classifies observed replay outcomes against the expected
// access declared on each template rule.
package rules

import (
	"context"
	"regexp"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// ExchangeGetter fetches the request/response pair behind a replay.
type ExchangeGetter interface {
	Get(ctx context.Context, requestID string) (*types.Exchange, error)
}

// Classify maps expected access and observed outcomes to a status. A
// missing response anywhere in the set makes the outcome Unexpected.
func Classify(expected bool, observed []bool, missing bool) types.RuleStatus {
	if missing {
		return types.StatusUnexpected
	}

	allMatch := true
	sawAccess, sawDenial := false, false
	for _, o := range observed {
		if o != expected {
			allMatch = false
		}
		if o {
			sawAccess = true
		} else {
			sawDenial = true
		}
	}

	switch {
	case allMatch:
		return types.StatusEnforced
	case expected && sawDenial:
		return types.StatusUnexpected
	case !expected && sawAccess:
		return types.StatusBypassed
	}
	return types.StatusUnexpected
}

// ExpectedForUser reports whether any granting rule on the template applies
// to user, either through one of its roles or directly.
func ExpectedForUser(rules types.Rules, user types.User) bool {
	for _, r := range rules {
		if !r.Access() {
			continue
		}
		applies := types.MatchRule(r,
			func(rr types.RoleRule) bool { return user.HasRole(rr.RoleID) },
			func(ur types.UserRule) bool { return ur.UserID == user.ID },
		)
		if applies {
			return true
		}
	}
	return false
}

// Materialize returns rules extended with a denying, untested rule for every
// role and user that has none yet. Rules for unknown subjects are kept.
func Materialize(rules types.Rules, roles []types.Role, users []types.User) types.Rules {
	out := append(types.Rules{}, rules...)
	for _, role := range roles {
		if out.Find(types.SubjectRole, role.ID) < 0 {
			out = append(out, types.RoleRule{RoleID: role.ID, Status: types.StatusUntested})
		}
	}
	for _, user := range users {
		if out.Find(types.SubjectUser, user.ID) < 0 {
			out = append(out, types.UserRule{UserID: user.ID, Status: types.StatusUntested})
		}
	}
	return out
}

type Engine struct {
	exchanges ExchangeGetter
	logger    *logger.Logger
	telemetry core.Telemetry
}

func NewEngine(exchanges ExchangeGetter, log *logger.Logger, tel core.Telemetry) *Engine {
	return &Engine{
		exchanges: exchanges,
		logger:    log.WithComponent("rules"),
		telemetry: tel,
	}
}

type observation struct {
	access  bool
	missing bool
}

// Evaluate recomputes the status of every rule on tmpl from the replays in
// records. users is the full user list; roles are resolved through it.
// Subjects without any replay are reset to Untested.
func (e *Engine) Evaluate(ctx context.Context, tmpl types.Template, users []types.User, records []types.AnalysisRequest) types.Rules {
	pattern, err := regexp.Compile(tmpl.AuthSuccessRegex)
	if err != nil {
		e.logger.Warnw("Invalid auth success regex, every observation counts as missing",
			"template_id", tmpl.ID,
			"regex", tmpl.AuthSuccessRegex,
			"error", err,
		)
	}

	byUser := make(map[string][]types.AnalysisRequest)
	for _, rec := range records {
		byUser[rec.UserID] = append(byUser[rec.UserID], rec)
	}

	seen := make(map[string]observation)
	observe := func(rec types.AnalysisRequest) observation {
		if o, ok := seen[rec.RequestID]; ok {
			return o
		}
		o := e.observe(ctx, pattern, rec)
		seen[rec.RequestID] = o
		return o
	}

	classify := func(subject types.SubjectType, subjectID string, expected bool, subjects []types.User) types.RuleStatus {
		var observed []bool
		missing := false
		for _, u := range subjects {
			for _, rec := range byUser[u.ID] {
				o := observe(rec)
				if o.missing {
					missing = true
					continue
				}
				observed = append(observed, o.access)
			}
		}
		if len(observed) == 0 && !missing {
			return types.StatusUntested
		}

		status := Classify(expected, observed, missing)
		e.logger.LogClassification(ctx, tmpl.ID, string(subject), subjectID, string(status), expected, len(observed))
		e.telemetry.RecordClassification(subject, status)
		return status
	}

	out := make(types.Rules, 0, len(tmpl.Rules))
	for _, rule := range tmpl.Rules {
		status := types.MatchRule(rule,
			func(rr types.RoleRule) types.RuleStatus {
				var holders []types.User
				for _, u := range users {
					if u.HasRole(rr.RoleID) {
						holders = append(holders, u)
					}
				}
				return classify(types.SubjectRole, rr.RoleID, rr.HasAccess, holders)
			},
			func(ur types.UserRule) types.RuleStatus {
				for _, u := range users {
					if u.ID == ur.UserID {
						return classify(types.SubjectUser, ur.UserID, ExpectedForUser(tmpl.Rules, u), []types.User{u})
					}
				}
				return types.StatusUntested
			},
		)
		out = append(out, types.WithOutcome(rule, rule.Access(), status))
	}
	return out
}

func (e *Engine) observe(ctx context.Context, pattern *regexp.Regexp, rec types.AnalysisRequest) observation {
	if pattern == nil {
		return observation{missing: true}
	}

	exchange, err := e.exchanges.Get(ctx, rec.RequestID)
	if err != nil || exchange == nil || exchange.Response == nil {
		e.logger.Debugw("Response unavailable for classification",
			"template_id", rec.TemplateID,
			"user_id", rec.UserID,
			"request_id", rec.RequestID,
			"error", err,
		)
		return observation{missing: true}
	}

	return observation{access: pattern.MatchString(exchange.Response.Raw)}
}
