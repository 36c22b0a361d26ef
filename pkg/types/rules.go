// pkg/types/rules.go
package types

import (
	"encoding/json"
	"fmt"
)

type RuleStatus string

const (
	StatusUntested   RuleStatus = "Untested"
	StatusEnforced   RuleStatus = "Enforced"
	StatusBypassed   RuleStatus = "Bypassed"
	StatusUnexpected RuleStatus = "Unexpected"
)

func (s RuleStatus) Valid() bool {
	switch s {
	case StatusUntested, StatusEnforced, StatusBypassed, StatusUnexpected:
		return true
	}
	return false
}

type SubjectType string

const (
	SubjectRole SubjectType = "RoleRule"
	SubjectUser SubjectType = "UserRule"
)

// Rule is the expected-access declaration for one subject on a template, together with
// the latest observed classification. It is implemented only by RoleRule and UserRule.
type Rule interface {
	Subject() SubjectType
	SubjectID() string
	Access() bool
	State() RuleStatus
	sealed()
}

type RoleRule struct {
	RoleID    string     `json:"roleId"`
	HasAccess bool       `json:"hasAccess"`
	Status    RuleStatus `json:"status"`
}

func (RoleRule) Subject() SubjectType { return SubjectRole }
func (r RoleRule) SubjectID() string  { return r.RoleID }
func (r RoleRule) Access() bool       { return r.HasAccess }
func (r RoleRule) State() RuleStatus  { return r.Status }
func (RoleRule) sealed()              {}

func (r RoleRule) MarshalJSON() ([]byte, error) {
	type plain RoleRule
	return json.Marshal(struct {
		Type SubjectType `json:"type"`
		plain
	}{SubjectRole, plain(r)})
}

type UserRule struct {
	UserID    string     `json:"userId"`
	HasAccess bool       `json:"hasAccess"`
	Status    RuleStatus `json:"status"`
}

func (UserRule) Subject() SubjectType { return SubjectUser }
func (r UserRule) SubjectID() string  { return r.UserID }
func (r UserRule) Access() bool       { return r.HasAccess }
func (r UserRule) State() RuleStatus  { return r.Status }
func (UserRule) sealed()              {}

func (r UserRule) MarshalJSON() ([]byte, error) {
	type plain UserRule
	return json.Marshal(struct {
		Type SubjectType `json:"type"`
		plain
	}{SubjectUser, plain(r)})
}

// MatchRule dispatches on the concrete rule kind. Both branches are mandatory, so every
// consumer handles role and user rules explicitly.
func MatchRule[T any](r Rule, onRole func(RoleRule) T, onUser func(UserRule) T) T {
	switch v := r.(type) {
	case RoleRule:
		return onRole(v)
	case UserRule:
		return onUser(v)
	case *RoleRule:
		return onRole(*v)
	case *UserRule:
		return onUser(*v)
	}
	panic(fmt.Sprintf("types: unknown rule implementation %T", r))
}

// NewRule builds a rule of the given subject type.
func NewRule(subject SubjectType, subjectID string, hasAccess bool, status RuleStatus) (Rule, error) {
	switch subject {
	case SubjectRole:
		return RoleRule{RoleID: subjectID, HasAccess: hasAccess, Status: status}, nil
	case SubjectUser:
		return UserRule{UserID: subjectID, HasAccess: hasAccess, Status: status}, nil
	}
	return nil, fmt.Errorf("unknown rule subject type %q", subject)
}

// WithOutcome returns a copy of r carrying the given access flag and status.
func WithOutcome(r Rule, hasAccess bool, status RuleStatus) Rule {
	return MatchRule(r,
		func(rr RoleRule) Rule {
			rr.HasAccess, rr.Status = hasAccess, status
			return rr
		},
		func(ur UserRule) Rule {
			ur.HasAccess, ur.Status = hasAccess, status
			return ur
		},
	)
}

// Rules is an ordered rule list with at most one rule per (subject type, subject id).
type Rules []Rule

// Find returns the index of the rule for the subject, or -1.
func (rs Rules) Find(subject SubjectType, subjectID string) int {
	for i, r := range rs {
		if r.Subject() == subject && r.SubjectID() == subjectID {
			return i
		}
	}
	return -1
}

// Without returns a copy of rs minus the rule for the subject.
func (rs Rules) Without(subject SubjectType, subjectID string) Rules {
	out := make(Rules, 0, len(rs))
	for _, r := range rs {
		if r.Subject() == subject && r.SubjectID() == subjectID {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (rs *Rules) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Rules, 0, len(raw))
	for i, msg := range raw {
		var head struct {
			Type SubjectType `json:"type"`
		}
		if err := json.Unmarshal(msg, &head); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}

		switch head.Type {
		case SubjectRole:
			var r RoleRule
			if err := json.Unmarshal(msg, &r); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			out = append(out, r)
		case SubjectUser:
			var r UserRule
			if err := json.Unmarshal(msg, &r); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			out = append(out, r)
		default:
			return fmt.Errorf("rule %d: unknown type %q", i, head.Type)
		}
	}

	*rs = out
	return nil
}
