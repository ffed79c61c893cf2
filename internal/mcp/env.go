package mcp

import (
	"os"
	"os/user"
)

// baseEnv names the host variables every stdio server inherits. Anything
// else, API keys included, must be listed in pass_env or set in env.
var baseEnv = []string{"PATH", "HOME", "USER", "LANG", "TMPDIR", "XDG_CONFIG_HOME", "XDG_DATA_HOME"}

// serverEnv builds the environment for a stdio server process: the base
// host variables, the host variables named in pass, then extra entries in
// KEY=VALUE form.
func serverEnv(pass, extra []string) []string {
	env := make([]string, 0, len(baseEnv)+len(pass)+len(extra)+1)
	seen := make(map[string]bool)

	for _, names := range [][]string{baseEnv, pass} {
		for _, name := range names {
			if seen[name] {
				continue
			}
			if v, ok := os.LookupEnv(name); ok {
				env = append(env, name+"="+v)
				seen[name] = true
			}
		}
	}

	if !seen["PATH"] {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	if !seen["HOME"] {
		if u, err := user.Current(); err == nil && u.HomeDir != "" {
			env = append(env, "HOME="+u.HomeDir)
		}
	}

	return append(env, extra...)
}
