// internal/registry/templates.go
package registry

import (
	"sync"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

type Templates struct {
	mu        sync.RWMutex
	templates []types.Template
}

func NewTemplates() *Templates {
	return &Templates{}
}

// Add stores template unless one with the same id exists; it reports
// whether the template was inserted.
func (t *Templates) Add(template types.Template) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.index(template.ID) >= 0 {
		return false
	}
	t.templates = append(t.templates, template.Clone())
	return true
}

func (t *Templates) Update(id string, fields types.TemplateFields) (types.Template, bool) {
	return t.modify(id, func(tmpl *types.Template) {
		if fields.RequestID != nil {
			tmpl.RequestID = *fields.RequestID
		}
		if fields.AuthSuccessRegex != nil {
			tmpl.AuthSuccessRegex = *fields.AuthSuccessRegex
		}
		if fields.OriginalResponseLength != nil {
			tmpl.OriginalResponseLength = *fields.OriginalResponseLength
		}
		if fields.Rules != nil {
			tmpl.Rules = append(types.Rules{}, (*fields.Rules)...)
		}
		if fields.Meta != nil {
			tmpl.Meta = *fields.Meta
		}
	})
}

// MergeStatuses folds freshly evaluated rules into the stored template.
// A stored rule only takes the evaluated status when its expected access is
// still the one the evaluation used; a rule toggled in the meantime keeps
// the status the toggle gave it. Evaluated rules missing from the template
// are added only while exists reports their subject as present.
func (t *Templates) MergeStatuses(id string, evaluated types.Rules, exists func(types.SubjectType, string) bool) (types.Template, bool) {
	return t.modify(id, func(tmpl *types.Template) {
		merged := append(types.Rules{}, tmpl.Rules...)
		for _, rule := range evaluated {
			i := merged.Find(rule.Subject(), rule.SubjectID())
			switch {
			case i >= 0 && merged[i].Access() == rule.Access():
				merged[i] = types.WithOutcome(merged[i], merged[i].Access(), rule.State())
			case i < 0 && exists(rule.Subject(), rule.SubjectID()):
				merged = append(merged, rule)
			}
		}
		tmpl.Rules = merged
	})
}

// ToggleRole flips the expected access of the role rule on a template.
func (t *Templates) ToggleRole(templateID, roleID string) (types.Template, bool) {
	return t.modify(templateID, func(tmpl *types.Template) {
		tmpl.Rules = toggle(tmpl.Rules, types.SubjectRole, roleID)
	})
}

func (t *Templates) ToggleUser(templateID, userID string) (types.Template, bool) {
	return t.modify(templateID, func(tmpl *types.Template) {
		tmpl.Rules = toggle(tmpl.Rules, types.SubjectUser, userID)
	})
}

// CheckAllForRole grants roleID access on every template that does not
// already grant it and returns the templates that changed.
func (t *Templates) CheckAllForRole(roleID string) []types.Template {
	return t.grantAll(types.SubjectRole, roleID)
}

func (t *Templates) CheckAllForUser(userID string) []types.Template {
	return t.grantAll(types.SubjectUser, userID)
}

// RemoveSubject drops the subject's rule from every template and returns
// the templates that changed.
func (t *Templates) RemoveSubject(subject types.SubjectType, subjectID string) []types.Template {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []types.Template
	next := append([]types.Template(nil), t.templates...)
	for i, tmpl := range next {
		if tmpl.Rules.Find(subject, subjectID) < 0 {
			continue
		}
		updated := tmpl.Clone()
		updated.Rules = tmpl.Rules.Without(subject, subjectID)
		next[i] = updated
		changed = append(changed, updated.Clone())
	}
	t.templates = next
	return changed
}

func (t *Templates) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.index(id)
	if i < 0 {
		return false
	}
	next := make([]types.Template, 0, len(t.templates)-1)
	next = append(next, t.templates[:i]...)
	t.templates = append(next, t.templates[i+1:]...)
	return true
}

func (t *Templates) Exists(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index(id) >= 0
}

func (t *Templates) Get(id string) (types.Template, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if i := t.index(id); i >= 0 {
		return t.templates[i].Clone(), true
	}
	return types.Template{}, false
}

func (t *Templates) List() []types.Template {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Template, 0, len(t.templates))
	for _, tmpl := range t.templates {
		out = append(out, tmpl.Clone())
	}
	return out
}

func (t *Templates) Replace(templates []types.Template) {
	next := make([]types.Template, 0, len(templates))
	for _, tmpl := range templates {
		next = append(next, tmpl.Clone())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates = next
}

func (t *Templates) Clear() {
	t.Replace(nil)
}

func (t *Templates) grantAll(subject types.SubjectType, subjectID string) []types.Template {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []types.Template
	next := append([]types.Template(nil), t.templates...)
	for i, tmpl := range next {
		if j := tmpl.Rules.Find(subject, subjectID); j >= 0 && tmpl.Rules[j].Access() {
			continue
		}
		updated := tmpl.Clone()
		updated.Rules = toggle(tmpl.Rules, subject, subjectID)
		next[i] = updated
		changed = append(changed, updated.Clone())
	}
	t.templates = next
	return changed
}

// modify replaces the template with a mutated copy.
func (t *Templates) modify(id string, fn func(*types.Template)) (types.Template, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.index(id)
	if i < 0 {
		return types.Template{}, false
	}

	updated := t.templates[i].Clone()
	fn(&updated)

	next := append([]types.Template(nil), t.templates...)
	next[i] = updated
	t.templates = next
	return updated.Clone(), true
}

func (t *Templates) index(id string) int {
	for i, tmpl := range t.templates {
		if tmpl.ID == id {
			return i
		}
	}
	return -1
}

// toggle flips the expected access of a subject's rule, adding a granting
// rule when none exists. A status that only made sense under the old
// expectation is flipped with it: Bypassed becomes Enforced once access is
// expected, Enforced becomes Bypassed once it is not.
func toggle(rules types.Rules, subject types.SubjectType, subjectID string) types.Rules {
	out := append(types.Rules{}, rules...)

	i := out.Find(subject, subjectID)
	if i < 0 {
		rule, err := types.NewRule(subject, subjectID, true, types.StatusUntested)
		if err != nil {
			return out
		}
		return append(out, rule)
	}

	current := out[i]
	hasAccess := !current.Access()
	status := current.State()
	switch {
	case status == types.StatusBypassed && hasAccess:
		status = types.StatusEnforced
	case status == types.StatusEnforced && !hasAccess:
		status = types.StatusBypassed
	}

	out[i] = types.WithOutcome(current, hasAccess, status)
	return out
}
