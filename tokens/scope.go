package tokens

import (
	"fmt"
	"strings"
)

// Scope kinds.
const (
	ScopeQueue    = "queue"
	ScopeSystem   = "system"
	ScopeDownload = "download"

	downloadPrefix = ScopeDownload + ":"
	wildcardSuffix = ":*"
)

// Scope is a parsed token scope.
type Scope struct {
	Kind       string
	DownloadID string
}

// ParseScope validates s against the scope grammar: exactly "queue",
// exactly "system", or "download:<non-empty id>".
func ParseScope(s string) (Scope, error) {
	switch {
	case s == ScopeQueue || s == ScopeSystem:
		return Scope{Kind: s}, nil
	case strings.HasPrefix(s, downloadPrefix):
		id := strings.TrimPrefix(s, downloadPrefix)
		if id == "" {
			return Scope{}, fmt.Errorf("%w: download scope must include an id", ErrInvalidScope)
		}

		return Scope{Kind: ScopeDownload, DownloadID: id}, nil
	default:
		return Scope{}, fmt.Errorf("%w: %q must be 'download:<id>', 'queue', or 'system'", ErrInvalidScope, s)
	}
}

func (s Scope) String() string {
	if s.Kind == ScopeDownload {
		return DownloadScope(s.DownloadID)
	}

	return s.Kind
}

// DownloadScope returns the scope string for one download.
func DownloadScope(id string) string {
	return downloadPrefix + id
}

// ScopeMatches reports whether a token holding scope satisfies required.
// Matching is exact, except that a required scope ending in ":*" accepts any
// scope sharing the part before the colon.
func ScopeMatches(scope, required string) bool {
	if scope == required {
		return true
	}

	if strings.HasSuffix(required, wildcardSuffix) {
		prefix := strings.TrimSuffix(required, "*")
		return strings.HasPrefix(scope, prefix)
	}

	return false
}
