package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultSessionName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session
// 3. "main"
//
// The chosen name must be usable as a directory name.
func Resolve(flagOverride string) (string, error) {
	name := flagOverride
	if name == "" {
		name = DefaultSessionName
		if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
			name = cfg.DefaultSession
		}
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
