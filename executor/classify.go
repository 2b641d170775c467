package executor

import (
	"errors"
	"strings"
)

// ErrorKind is a coarse classification of an engine failure, used for
// reporting only.
type ErrorKind string

const (
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindFormat     ErrorKind = "format"
	ErrorKindPermission ErrorKind = "permission"
	ErrorKindOutput     ErrorKind = "output"
	ErrorKindUnknown    ErrorKind = "unknown"
)

var classifiers = []struct {
	kind     ErrorKind
	keywords []string
}{
	{ErrorKindPermission, []string{"permission", "forbidden", "http error 403", "private video", "sign in", "login required", "members-only"}},
	{ErrorKindFormat, []string{"requested format", "format is not available", "no video formats", "unsupported url"}},
	{ErrorKindNetwork, []string{"network", "connection", "timed out", "timeout", "unable to download webpage", "name resolution", "http error 5", "unreachable"}},
}

// ClassifyError buckets err by its message.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	if errors.Is(err, ErrOutputMissing) {
		return ErrorKindOutput
	}

	msg := strings.ToLower(err.Error())
	for _, c := range classifiers {
		for _, kw := range c.keywords {
			if strings.Contains(msg, kw) {
				return c.kind
			}
		}
	}

	return ErrorKindUnknown
}
