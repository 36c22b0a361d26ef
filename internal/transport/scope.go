// internal/transport/scope.go
//
// Target scope used to filter captured traffic
//
package transport

import (
	"strings"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// Scope decides which hosts are in scope. Patterns are host names, with
// "*." for any subdomain and a leading "!" to exclude. Exclusions win; an
// empty include list puts every host in scope.
type Scope struct {
	include []string
	exclude []string
}

func NewScope(patterns []string) *Scope {
	s := &Scope{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		switch {
		case p == "" || p == "!":
			continue
		case strings.HasPrefix(p, "!"):
			s.exclude = append(s.exclude, p[1:])
		default:
			s.include = append(s.include, p)
		}
	}
	return s
}

func (s *Scope) Contains(req *types.HTTPRequest) bool {
	host := strings.ToLower(req.Host)

	for _, p := range s.exclude {
		if hostMatches(p, host) {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, p := range s.include {
		if hostMatches(p, host) {
			return true
		}
	}
	return false
}

func hostMatches(pattern, host string) bool {
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}
