package directory

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Scope is an LDAP search scope
type Scope int

const (
	ScopeBase     Scope = ldap.ScopeBaseObject
	ScopeOneLevel Scope = ldap.ScopeSingleLevel
	ScopeSubtree  Scope = ldap.ScopeWholeSubtree
)

// ParseScope maps a configured scope name to a Scope. An empty name means one-level.
func ParseScope(name string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "base":
		return ScopeBase, nil
	case "", "one", "onelevel", "one-level":
		return ScopeOneLevel, nil
	case "sub", "subtree":
		return ScopeSubtree, nil
	default:
		return 0, fmt.Errorf("unknown search scope: %q", name)
	}
}

func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "base"
	case ScopeOneLevel:
		return "one-level"
	case ScopeSubtree:
		return "subtree"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}
