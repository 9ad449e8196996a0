package config

import (
	"fmt"
	"os"
	"regexp"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// expandEnvVars replaces environment references. An unset plain reference is
// left as is; ${VAR:?message} fails when VAR is unset or empty.
func expandEnvVars(input string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, op, arg := groups[1], groups[2], groups[3]
		if name == "" {
			name = groups[4]
		}

		val, ok := os.LookupEnv(name)
		switch op {
		case "-":
			if !ok || val == "" {
				return arg
			}
		case "?":
			if !ok || val == "" {
				if firstErr == nil {
					msg := arg
					if msg == "" {
						msg = "required but not set"
					}
					firstErr = fmt.Errorf("config: %s: %s", name, msg)
				}
				return ""
			}
		default:
			if !ok {
				return match
			}
		}
		return val
	})
	return out, firstErr
}
