package config

import (
	"os"
	"strings"
)

// DefaultConfigPath is the configuration file used when no explicit path is
// given on the command line.
const DefaultConfigPath = "config/config.yml"

const (
	appEnvKey      = "APP_ENV"
	envDevelopment = "development"
	envProduction  = "production"
	envStaging     = "staging"
)

// Misspellings seen in real deployment manifests fold onto the canonical
// environment names.
var envAliases = map[string]string{
	"prod":        envProduction,
	"producation": envProduction,
	"stag":        envStaging,
	"stagging":    envStaging,
}

var envConfigPaths = map[string]string{
	envProduction: "config/config.production.yml",
	envStaging:    "config/config.staging.yml",
}

// AppEnvironment returns the canonical deployment environment derived from
// APP_ENV. Unset or blank values mean development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvKey)))
	if env == "" {
		return envDevelopment
	}
	if canonical, ok := envAliases[env]; ok {
		return canonical
	}
	return env
}

// ResolveConfigPath swaps the default configuration file for an environment
// specific one when the current environment has its own file. An explicit
// non-default path always wins.
func ResolveConfigPath(path string) string {
	if path == "" {
		path = DefaultConfigPath
	}
	envPath, ok := envConfigPaths[AppEnvironment()]
	if !ok {
		return path
	}
	if path == DefaultConfigPath || path == envPath {
		return envPath
	}
	return path
}

// IsProductionLike reports whether env warrants production strictness during
// validation. Staging counts.
func IsProductionLike(env string) bool {
	return env == envProduction || env == envStaging
}
