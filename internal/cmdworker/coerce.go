package cmdworker

import "strings"

// ParseBool coerces the textual booleans that arrive on lifecycle and
// command messages: true/yes/1 are true, false/no/0 and the empty
// string are false, case-insensitively. Anything unrecognized is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}
