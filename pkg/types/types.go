package types

import (
	"time"
)

type AttributeKind string

const (
	AttributeCookie AttributeKind = "Cookie"
	AttributeHeader AttributeKind = "Header"
)

func (k AttributeKind) Valid() bool {
	return k == AttributeCookie || k == AttributeHeader
}

type CaptureMode string

const (
	CaptureOff     CaptureMode = "off"
	CaptureAll     CaptureMode = "all"
	CaptureInScope CaptureMode = "inScope"
)

func (m CaptureMode) Valid() bool {
	switch m {
	case CaptureOff, CaptureAll, CaptureInScope:
		return true
	}
	return false
}

type Project struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type Role struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
}

// RoleFields carries the mutable part of a Role. Nil fields are left untouched.
type RoleFields struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type Attribute struct {
	ID    string        `json:"id" db:"id"`
	Name  string        `json:"name" db:"name"`
	Value string        `json:"value" db:"value"`
	Kind  AttributeKind `json:"kind" db:"kind"`
}

type User struct {
	ID         string      `json:"id" db:"id"`
	Name       string      `json:"name" db:"name"`
	RoleIDs    []string    `json:"roleIds"`
	Attributes []Attribute `json:"attributes"`
}

// UserFields carries the mutable part of a User. Nil fields are left untouched;
// a non-nil Attributes slice replaces the attribute set (diff-synced on persistence).
type UserFields struct {
	Name       *string      `json:"name,omitempty"`
	RoleIDs    []string     `json:"roleIds,omitempty"`
	Attributes *[]Attribute `json:"attributes,omitempty"`
}

// Clone returns a deep copy so stored users never alias caller-held slices.
func (u User) Clone() User {
	out := u
	out.RoleIDs = append([]string(nil), u.RoleIDs...)
	out.Attributes = append([]Attribute(nil), u.Attributes...)
	return out
}

func (u User) HasRole(roleID string) bool {
	for _, id := range u.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// AttributesOfKind returns the user's attributes of the given kind in declaration order.
func (u User) AttributesOfKind(kind AttributeKind) []Attribute {
	var out []Attribute
	for _, a := range u.Attributes {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

type TemplateMeta struct {
	Host   string `json:"host" db:"meta_host"`
	Port   int    `json:"port" db:"meta_port"`
	Path   string `json:"path" db:"meta_path"`
	IsTLS  bool   `json:"isTls" db:"meta_is_tls"`
	Method string `json:"method" db:"meta_method"`
}

type Template struct {
	ID                     string       `json:"id" db:"id"`
	RequestID              string       `json:"requestId" db:"request_id"`
	AuthSuccessRegex       string       `json:"authSuccessRegex" db:"auth_success_regex"`
	OriginalResponseLength int          `json:"originalResponseLength" db:"original_response_length"`
	Rules                  Rules        `json:"rules"`
	Meta                   TemplateMeta `json:"meta"`
}

// TemplateFields carries the mutable part of a Template. Nil fields are left untouched.
type TemplateFields struct {
	RequestID              *string       `json:"requestId,omitempty"`
	AuthSuccessRegex       *string       `json:"authSuccessRegex,omitempty"`
	OriginalResponseLength *int          `json:"originalResponseLength,omitempty"`
	Rules                  *Rules        `json:"rules,omitempty"`
	Meta                   *TemplateMeta `json:"meta,omitempty"`
}

func (t Template) Clone() Template {
	out := t
	out.Rules = append(Rules(nil), t.Rules...)
	return out
}

type AnalysisRequest struct {
	ID         string `json:"id"`
	TemplateID string `json:"templateId"`
	UserID     string `json:"userId"`
	RequestID  string `json:"requestId"`
}

type Settings struct {
	AutoCapture     CaptureMode `json:"autoCapture"`
	AutoRunAnalysis bool        `json:"autoRunAnalysis"`
	DedupeHeaders   []string    `json:"dedupeHeaders"`
	DefaultFilter   string      `json:"defaultFilter"`
}

func DefaultSettings() Settings {
	return Settings{
		AutoCapture:     CaptureOff,
		AutoRunAnalysis: false,
		DedupeHeaders:   []string{},
		DefaultFilter:   "",
	}
}

func (s Settings) Clone() Settings {
	out := s
	out.DedupeHeaders = append([]string{}, s.DedupeHeaders...)
	return out
}

type Substitution struct {
	ID          string `json:"id" db:"id"`
	Pattern     string `json:"pattern" db:"pattern"`
	Replacement string `json:"replacement" db:"replacement"`
}

type SubstitutionFields struct {
	Pattern     *string `json:"pattern,omitempty"`
	Replacement *string `json:"replacement,omitempty"`
}
