package session

import (
	"os"

	"github.com/voipsms/smsd/internal/config"
)

const DefaultSessionName = "main"

// SessionEnv selects the session when no --session flag is given.
const SessionEnv = "SMSD_SESSION"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. $SMSD_SESSION
// 3. default_session in the global config.toml
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(SessionEnv); name != "" {
		return name
	}
	if cfg, err := config.Load(GlobalConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// SetDefault records name as default_session in the global config.
func SetDefault(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	cfg, err := config.Load(GlobalConfigPath())
	if err != nil {
		return err
	}
	cfg.DefaultSession = name
	return config.Save(GlobalConfigPath(), cfg)
}
