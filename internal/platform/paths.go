// Package platform resolves where outreach keeps its files on the host.
//
// The config directory holds config.toml and the optional catalog.yaml that
// replaces the embedded vertical catalog. The data directory holds the SQLite
// store. Dev mode suffixes the app name with "-dev" so a development build
// never touches a production database.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	defaultAppName  = "outreach"
	configFileName  = "config.toml"
	catalogFileName = "catalog.yaml"
)

// Paths are the per-user locations of the outreach config, catalog and store.
type Paths struct {
	ConfigPath string
	DataDir    string
	DBPath     string
	// CatalogPath is the optional vertical catalog override, next to the config file.
	CatalogPath string
}

// Options selects the app name and dev mode.
type Options struct {
	AppName string
	DevMode bool
}

// DefaultPaths returns the production paths for the "outreach" app name.
func DefaultPaths() (Paths, error) {
	return DefaultPathsWithOptions(Options{AppName: defaultAppName})
}

// DefaultPathsWithOptions resolves paths from the current user's directories
// and environment.
func DefaultPathsWithOptions(opts Options) (Paths, error) {
	appName := strings.TrimSpace(opts.AppName)
	if appName == "" {
		appName = defaultAppName
	}
	if opts.DevMode {
		appName += "-dev"
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("user config dir: %w", err)
	}
	dataDir, err := userDataDir(runtime.GOOS, configDir)
	if err != nil {
		return Paths{}, err
	}
	env := map[string]string{}
	for _, key := range []string{"XDG_CONFIG_HOME", "XDG_DATA_HOME", "APPDATA", "LOCALAPPDATA"} {
		env[key] = os.Getenv(key)
	}
	return PathsFor(runtime.GOOS, env, configDir, dataDir, appName)
}

// userDataDir picks the base for the store when no env override applies.
func userDataDir(goos, configDir string) (string, error) {
	switch goos {
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("user home dir: %w", err)
		}
		return filepath.Join(home, ".local", "share"), nil
	case "windows":
		if v := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); v != "" {
			return v, nil
		}
	}
	return configDir, nil
}

// PathsFor derives outreach paths for goos from explicit base directories.
// XDG variables apply on linux and APPDATA/LOCALAPPDATA on windows; other
// platforms use the bases as given.
func PathsFor(goos string, env map[string]string, userConfigDir, userDataDir, appName string) (Paths, error) {
	if userConfigDir == "" || userDataDir == "" {
		return Paths{}, errors.New("empty base dirs")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return Paths{}, errors.New("empty app name")
	}

	configBase, dataBase := userConfigDir, userDataDir
	configKey, dataKey := "", ""
	switch goos {
	case "linux":
		configKey, dataKey = "XDG_CONFIG_HOME", "XDG_DATA_HOME"
	case "windows":
		configKey, dataKey = "APPDATA", "LOCALAPPDATA"
	}
	if v := env[configKey]; configKey != "" && v != "" {
		configBase = v
	}
	if v := env[dataKey]; dataKey != "" && v != "" {
		dataBase = v
	}

	configDir := filepath.Join(configBase, appName)
	dataDir := filepath.Join(dataBase, appName)
	return Paths{
		ConfigPath:  filepath.Join(configDir, configFileName),
		DataDir:     dataDir,
		DBPath:      filepath.Join(dataDir, appName+".db"),
		CatalogPath: filepath.Join(configDir, catalogFileName),
	}, nil
}

// ResolveCatalogPath picks the catalog file to load. An explicitly configured
// path always wins, even when it does not exist yet, so a typo fails loudly
// at load time. Otherwise the platform catalog.yaml is used when present. An
// empty result means the embedded catalog.
func ResolveCatalogPath(configured string, paths Paths) string {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured
	}
	if paths.CatalogPath == "" {
		return ""
	}
	if info, err := os.Stat(paths.CatalogPath); err == nil && !info.IsDir() {
		return paths.CatalogPath
	}
	return ""
}
