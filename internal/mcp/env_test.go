package mcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, entry := range env {
		k, v, _ := strings.Cut(entry, "=")
		m[k] = v
	}
	return m
}

func TestServerEnvDropsHostSecrets(t *testing.T) {
	t.Setenv("DESKMATE_API_KEY", "dk-secret")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-secret")
	t.Setenv("PATH", "/opt/bin:/usr/bin")

	env := envMap(serverEnv(nil, nil))

	assert.Equal(t, "/opt/bin:/usr/bin", env["PATH"])
	assert.Contains(t, env, "HOME")
	assert.NotContains(t, env, "DESKMATE_API_KEY")
	assert.NotContains(t, env, "ANTHROPIC_API_KEY")
}

func TestServerEnvPassAndExtra(t *testing.T) {
	t.Setenv("GOOGLE_OAUTH_CREDENTIALS", "/home/me/.config/gcp-oauth.keys.json")

	env := serverEnv([]string{"GOOGLE_OAUTH_CREDENTIALS", "DESKMATE_UNSET_VAR"}, []string{"CALENDAR_TZ=UTC"})
	m := envMap(env)

	assert.Equal(t, "/home/me/.config/gcp-oauth.keys.json", m["GOOGLE_OAUTH_CREDENTIALS"])
	assert.NotContains(t, m, "DESKMATE_UNSET_VAR")
	assert.Equal(t, "CALENDAR_TZ=UTC", env[len(env)-1], "extra entry should come last")
}
