package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under the tutorconnect base dir and
// travel on the tutorctl command line, so they must start with a letter or
// digit: a leading hyphen would read as a flag.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: lowercase letters, digits, _ or -, starting with a letter or digit, at most 64 characters", name)
	}
	return nil
}
