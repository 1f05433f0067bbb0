package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/limits"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// KeySource selects what an admission key is derived from.
type KeySource string

const (
	KeySourceRemoteAddr   KeySource = "remote_addr"
	KeySourceForwardedFor KeySource = "x-forwarded-for"
)

// ParseKeySource validates a key source name.
func ParseKeySource(s string) (KeySource, error) {
	switch KeySource(strings.ToLower(strings.TrimSpace(s))) {
	case KeySourceRemoteAddr, "":
		return KeySourceRemoteAddr, nil
	case KeySourceForwardedFor:
		return KeySourceForwardedFor, nil
	}
	return "", fmt.Errorf("unknown key source %q (want remote_addr or x-forwarded-for)", s)
}

// AdmissionFile is the YAML admission table:
//
//	key_source: remote_addr
//	whitelist: ["127.0.0.1"]
//	routes:
//	  - route_class: connection-upgrade
//	    limit: 5
//	    window: 60s
type AdmissionFile struct {
	KeySource string       `yaml:"key_source"`
	Whitelist []string     `yaml:"whitelist"`
	Routes    []RouteEntry `yaml:"routes"`
}

// RouteEntry is one route class row of the admission table.
type RouteEntry struct {
	RouteClass string        `yaml:"route_class"`
	Limit      int           `yaml:"limit"`
	Window     time.Duration `yaml:"window"`
	Whitelist  []string      `yaml:"whitelist"`
}

// Admission is the resolved admission setup.
type Admission struct {
	Controller limits.AdmissionConfig
	KeySource  KeySource
}

// TrustForwardedFor reports whether keys come from X-Forwarded-For.
func (a Admission) TrustForwardedFor() bool {
	return a.KeySource == KeySourceForwardedFor
}

// Admission builds the admission setup from the environment defaults, then
// applies the YAML table at AdmissionConfigPath if one is set. Rows in the
// table replace the default policy of their route class.
func (c *Config) Admission(logger zerolog.Logger) (Admission, error) {
	source, err := ParseKeySource(c.AdmissionKeySource)
	if err != nil {
		return Admission{}, err
	}

	window := c.AdmissionWindow
	a := Admission{
		KeySource: source,
		Controller: limits.AdmissionConfig{
			Routes: map[limits.RouteClass]limits.RoutePolicy{
				limits.RouteConnectionUpgrade: {Limit: c.UpgradeLimit, Window: window},
				limits.RouteAuth:              {Limit: c.AuthLimit, Window: window},
				limits.RouteMessage:           {Limit: c.MessageLimit, Window: window},
				limits.RouteAPI:               {Limit: c.APILimit, Window: window},
			},
			DefaultPolicy: limits.RoutePolicy{Limit: c.APILimit, Window: window},
			Whitelist:     append([]string(nil), c.AdmissionWhitelist...),
			Shards:        c.AdmissionShards,
			Logger:        logger,
		},
	}

	if c.AdmissionConfigPath == "" {
		return a, nil
	}

	file, err := LoadAdmissionFile(c.AdmissionConfigPath)
	if err != nil {
		return Admission{}, err
	}
	if file.KeySource != "" {
		if a.KeySource, err = ParseKeySource(file.KeySource); err != nil {
			return Admission{}, fmt.Errorf("%s: %w", c.AdmissionConfigPath, err)
		}
	}
	a.Controller.Whitelist = append(a.Controller.Whitelist, file.Whitelist...)
	for _, r := range file.Routes {
		a.Controller.Routes[limits.RouteClass(r.RouteClass)] = limits.RoutePolicy{
			Limit:     r.Limit,
			Window:    r.Window,
			Whitelist: r.Whitelist,
		}
	}

	logger.Info().
		Str("path", c.AdmissionConfigPath).
		Int("routes", len(file.Routes)).
		Int("whitelist", len(file.Whitelist)).
		Str("key_source", string(a.KeySource)).
		Msg("Loaded admission table")
	return a, nil
}

// LoadAdmissionFile reads and validates an admission table.
func LoadAdmissionFile(path string) (*AdmissionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read admission table: %w", err)
	}

	var file AdmissionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse admission table %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Routes))
	for i, r := range file.Routes {
		if r.RouteClass == "" {
			return nil, fmt.Errorf("%s: routes[%d]: route_class is required", path, i)
		}
		if seen[r.RouteClass] {
			return nil, fmt.Errorf("%s: routes[%d]: duplicate route_class %q", path, i, r.RouteClass)
		}
		seen[r.RouteClass] = true
		if r.Limit < 1 {
			return nil, fmt.Errorf("%s: routes[%d]: limit must be > 0, got %d", path, i, r.Limit)
		}
		if r.Window <= 0 {
			return nil, fmt.Errorf("%s: routes[%d]: window must be > 0, got %s", path, i, r.Window)
		}
	}
	return &file, nil
}

type seedFile struct {
	Accounts []identity.SeedAccount `yaml:"accounts"`
}

// LoadSeedAccounts reads bootstrap accounts from a YAML file:
//
//	accounts:
//	  - email: ops@example.com
//	    display_name: Ops
//	    password: change-me
//	    roles: [User, Admin]
//	    orgs: [acme]
func LoadSeedAccounts(path string) ([]identity.SeedAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, a := range file.Accounts {
		if a.Email == "" || a.Password == "" {
			return nil, fmt.Errorf("%s: accounts[%d]: email and password are required", path, i)
		}
	}
	return file.Accounts, nil
}

// SeedAccounts returns the accounts to seed: the seed file if configured,
// otherwise the administrator account when ADMIN_PASSWORD is set.
func (c *Config) SeedAccounts() ([]identity.SeedAccount, error) {
	if c.SeedFile != "" {
		return LoadSeedAccounts(c.SeedFile)
	}
	if c.AdminPassword == "" {
		return nil, nil
	}
	return identity.DefaultSeedAccounts(c.AdminEmail, c.AdminPassword), nil
}
