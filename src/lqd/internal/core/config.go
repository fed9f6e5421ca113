package core

import (
	"fmt"
	"os"
	"path/filepath"

	uberconfig "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the YAML configuration provider.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

const (
	_configDirEnv  = "LQD_CONFIG_DIR"
	_baseFileName  = "base.yaml"
	_localFileName = "local.yaml"
)

// NewConfig loads base.yaml plus an optional local.yaml overlay from the
// config directory, with environment variable expansion.
func NewConfig() (uberconfig.Provider, error) {
	configDir := getConfigDir()

	basePath := filepath.Join(configDir, _baseFileName)
	if _, err := os.Stat(basePath); err != nil {
		return nil, fmt.Errorf("missing base configuration %q: %w", basePath, err)
	}

	options := []uberconfig.YAMLOption{uberconfig.File(basePath)}

	localPath := filepath.Join(configDir, _localFileName)
	if _, err := os.Stat(localPath); err == nil {
		options = append(options, uberconfig.File(localPath))
	}
	options = append(options, uberconfig.Expand(os.LookupEnv))

	provider, err := uberconfig.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return provider, nil
}

// getConfigDir returns the path to the configuration directory.
func getConfigDir() string {
	if configDir := os.Getenv(_configDirEnv); configDir != "" {
		return configDir
	}

	// Default relative to the working directory, which is the workspace root
	// when spawned by the session registry.
	return "config"
}
