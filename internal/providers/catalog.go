// Package providers loads the client-model to upstream-model route table
// from a YAML file at startup and seeds it into the account Store, which
// owns it thereafter — the file is a bootstrap seed, not a runtime source
// of truth.
package providers

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wirepool/tokengate/internal/account"
)

type fileConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig is one YAML-declared model route.
type RouteConfig struct {
	ClientModel   string `yaml:"client_model"`
	Provider      string `yaml:"provider"`
	UpstreamModel string `yaml:"upstream_model"`
	Enabled       *bool  `yaml:"enabled"`
}

// SeedFromEnvAndFile loads routes from the file named by
// NEXUS_MODEL_ROUTES_FILE (or the default search path) and inserts any that
// are not already present in store. Safe to call on every startup: existing
// rows are left untouched.
func SeedFromEnvAndFile(store *account.Store) error {
	routes, err := loadFile()
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		routes = defaultRoutes()
	}

	for _, r := range routes {
		enabled := true
		if r.Enabled != nil {
			enabled = *r.Enabled
		}
		provider := strings.TrimSpace(r.Provider)
		if provider == "" {
			provider = "default"
		}

		var existing account.ModelRoute
		err := store.DB().Where("client_model = ? AND provider = ?", r.ClientModel, provider).First(&existing).Error
		if err == nil {
			continue // already seeded, admin surface owns further edits
		}

		_ = store.DB().Create(&account.ModelRoute{
			ClientModel:   r.ClientModel,
			Provider:      provider,
			UpstreamModel: r.UpstreamModel,
			Enabled:       enabled,
		}).Error
	}
	return nil
}

func loadFile() ([]RouteConfig, error) {
	path, err := resolvePath()
	if err != nil || path == "" {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return cfg.Routes, nil
}

func resolvePath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("NEXUS_MODEL_ROUTES_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/model_routes.yaml",
		"./config/model_routes.yaml",
		"/etc/tokengate/model_routes.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		candidates = append(candidates, filepath.Join(home, ".config", "tokengate", "model_routes.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

func defaultRoutes() []RouteConfig {
	return []RouteConfig{
		{ClientModel: "gpt-4o", Provider: "default", UpstreamModel: "gpt-4o"},
		{ClientModel: "claude-3-5-sonnet-latest", Provider: "default", UpstreamModel: "claude-3-5-sonnet"},
		{ClientModel: "gemini-1.5-pro", Provider: "default", UpstreamModel: "gemini-1.5-pro"},
	}
}

// Resolve looks up the upstream model tag for a client-facing model name,
// falling back to a pass-through mapping when no route matches.
func Resolve(store *account.Store, clientModel string) string {
	var route account.ModelRoute
	err := store.DB().Where("client_model = ? AND enabled = ?", clientModel, true).First(&route).Error
	if err != nil {
		return clientModel
	}
	return route.UpstreamModel
}
