package events

import (
	"fmt"

	"github.com/TechSquidTV/Hermes/models"
)

// Filter is a set of payload field values an event must match to be
// forwarded. An empty filter matches everything.
type Filter map[string]string

// Matches reports whether every key in f is present in the event payload
// with an equal value.
func (f Filter) Matches(ev models.Event) bool {
	if len(f) == 0 {
		return true
	}

	fields := ev.Fields()
	for key, want := range f {
		got, ok := fields[key]
		if !ok || got == nil {
			return false
		}

		if valueString(got) != want {
			return false
		}
	}

	return true
}

func valueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
