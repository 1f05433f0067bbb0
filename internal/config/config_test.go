package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/limits"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", secret)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.SessionAbsolute)
	assert.Equal(t, "techshare_session", cfg.CookieName)
	assert.True(t, cfg.CookieSecure)
	assert.Equal(t, 5, cfg.UpgradeLimit)
	assert.Equal(t, time.Minute, cfg.AdmissionWindow)
	assert.Equal(t, "remote_addr", cfg.AdmissionKeySource)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadConfig_RequiresSecret(t *testing.T) {
	t.Setenv("SESSION_SECRET", "")
	os.Unsetenv("SESSION_SECRET")

	_, err := LoadConfig(nil)
	require.Error(t, err)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("SESSION_SECRET", secret)
	t.Setenv("GATEWAY_ADDR", ":9000")
	t.Setenv("ADMISSION_WHITELIST", "10.0.0.1,10.0.0.2")
	t.Setenv("SESSION_IDLE_TIMEOUT", "10m")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.AdmissionWhitelist)
	assert.Equal(t, 10*time.Minute, cfg.SessionIdleTimeout)
}

func validConfig() *Config {
	return &Config{
		Addr:               ":8080",
		SessionSecret:      secret,
		SessionIdleTimeout: 30 * time.Minute,
		SessionAbsolute:    720 * time.Hour,
		SendBufferSize:     256,
		MaxConnections:     100,
		AdmissionWindow:    time.Minute,
		AdmissionKeySource: "remote_addr",
		UpgradeLimit:       5,
		AuthLimit:          10,
		MessageLimit:       120,
		APILimit:           60,
		BcryptCost:         12,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.SessionSecret = "short" }, "SESSION_SECRET"},
		{"absolute below idle", func(c *Config) { c.SessionAbsolute = time.Minute }, "SESSION_ABSOLUTE_EXPIRATION"},
		{"zero upgrade limit", func(c *Config) { c.UpgradeLimit = 0 }, "ADMISSION_UPGRADE_LIMIT"},
		{"bad key source", func(c *Config) { c.AdmissionKeySource = "cookie" }, "ADMISSION_KEY_SOURCE"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "LOG_LEVEL"},
		{"bad bcrypt cost", func(c *Config) { c.BcryptCost = 40 }, "BCRYPT_COST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAdmission_EnvDefaults(t *testing.T) {
	c := validConfig()
	c.AdmissionWhitelist = []string{"127.0.0.1"}

	a, err := c.Admission(zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, a.TrustForwardedFor())
	assert.Equal(t, limits.RoutePolicy{Limit: 5, Window: time.Minute}, a.Controller.Routes[limits.RouteConnectionUpgrade])
	assert.Equal(t, 120, a.Controller.Routes[limits.RouteMessage].Limit)
	assert.Equal(t, []string{"127.0.0.1"}, a.Controller.Whitelist)
}

func TestAdmission_YAMLTable(t *testing.T) {
	c := validConfig()
	c.AdmissionConfigPath = writeFile(t, "admission.yaml", `
key_source: x-forwarded-for
whitelist: ["10.1.1.1"]
routes:
  - route_class: connection-upgrade
    limit: 3
    window: 30s
    whitelist: ["192.168.0.9"]
  - route_class: uploads
    limit: 2
    window: 1h
`)

	a, err := c.Admission(zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, a.TrustForwardedFor())
	assert.Equal(t, limits.RoutePolicy{Limit: 3, Window: 30 * time.Second, Whitelist: []string{"192.168.0.9"}},
		a.Controller.Routes[limits.RouteConnectionUpgrade])
	assert.Equal(t, limits.RoutePolicy{Limit: 2, Window: time.Hour}, a.Controller.Routes["uploads"])
	assert.Equal(t, 10, a.Controller.Routes[limits.RouteAuth].Limit, "rows not in the table keep env defaults")
	assert.Equal(t, []string{"10.1.1.1"}, a.Controller.Whitelist)
}

func TestLoadAdmissionFile_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing class": "routes:\n  - limit: 1\n    window: 1s\n",
		"zero limit":    "routes:\n  - route_class: auth\n    limit: 0\n    window: 1s\n",
		"no window":     "routes:\n  - route_class: auth\n    limit: 1\n",
		"duplicate":     "routes:\n  - route_class: auth\n    limit: 1\n    window: 1s\n  - route_class: auth\n    limit: 2\n    window: 1s\n",
		"not yaml":      "routes: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadAdmissionFile(writeFile(t, "a.yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestSeedAccounts(t *testing.T) {
	c := validConfig()
	accounts, err := c.SeedAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)

	c.AdminEmail = "root@example.com"
	c.AdminPassword = "pw"
	accounts, err = c.SeedAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "root@example.com", accounts[0].Email)

	c.SeedFile = writeFile(t, "seed.yaml", `
accounts:
  - email: ops@example.com
    display_name: Ops
    password: change-me
    roles: [User, Admin]
    orgs: [acme]
`)
	accounts, err = c.SeedAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, []string{"User", "Admin"}, accounts[0].Roles)
	assert.Equal(t, []string{"acme"}, accounts[0].Orgs)

	c.SeedFile = writeFile(t, "bad.yaml", "accounts:\n  - email: x@example.com\n")
	_, err = c.SeedAccounts()
	assert.Error(t, err)
}
