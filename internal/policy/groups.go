package policy

import (
	"strings"

	"sentinelcore/internal/planmodel"
)

// ResolveAlias looks up an application alias across every category of the
// allowed-applications table. It returns the category the alias was found
// under, generalizing the teacher's `group:xxx` tool-group expansion to the
// permission guard's "alias must resolve through the application-alias
// table" invariant.
func ResolveAlias(allowed map[string][]string, alias string) (category string, ok bool) {
	normalized := NormalizeName(alias)
	for cat, aliases := range allowed {
		for _, a := range aliases {
			if NormalizeName(a) == normalized {
				return cat, true
			}
		}
	}
	return "", false
}

// NormalizeName normalizes a name for matching: lowercase, trimmed.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ActionAllowed reports whether kind is present in the allowed set. An
// empty allowed set is treated as "all kinds allowed" so a Policy that
// never sets action_types_allowed does not reject everything.
func ActionAllowed(allowed []planmodel.ActionKind, kind planmodel.ActionKind) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, k := range allowed {
		if k == kind {
			return true
		}
	}
	return false
}
