package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/model"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// INKPRESS_DATA_DIR env var, or ~/.inkpress as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("INKPRESS_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".inkpress")
}

// loadConfig returns the effective configuration: defaults, overlaid by
// the config file viper found, overlaid by INKPRESS_* environment
// variables and bound flags.
func loadConfig() (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if path := viper.ConfigFileUsed(); path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := config.LoadYAMLConfig(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
	}

	if viper.IsSet("server.host") {
		cfg.Server.Host = viper.GetString("server.host")
	}
	if viper.IsSet("server.port") {
		cfg.Server.Port = viper.GetInt("server.port")
	}
	if viper.IsSet("server.rate_limit_per_ip") {
		cfg.Server.RateLimitPerIP = viper.GetInt("server.rate_limit_per_ip")
	}
	if viper.IsSet("server.trust_proxy_headers") {
		cfg.Server.TrustProxyHeaders = viper.GetBool("server.trust_proxy_headers")
	}
	if viper.IsSet("database.driver") {
		cfg.Database.Driver = viper.GetString("database.driver")
	}
	if viper.IsSet("database.dsn") {
		cfg.Database.DSN = viper.GetString("database.dsn")
	}
	if viper.IsSet("auth.key_env") {
		cfg.Auth.KeyEnv = viper.GetString("auth.key_env")
	}
	if viper.IsSet("logging.level") {
		cfg.Logging.Level = viper.GetString("logging.level")
	}
	if viper.IsSet("logging.format") {
		cfg.Logging.Format = viper.GetString("logging.format")
	}
	if viper.IsSet("logging.file") {
		cfg.Logging.File = viper.GetString("logging.file")
	}

	if dataDir != "" || cfg.DataDir == "" {
		cfg.DataDir = resolveDataDir()
	}
	return cfg, nil
}

// openConfigStore opens the key store described by the effective
// configuration.
func openConfigStore() (*config.Store, *config.YAMLConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := config.Open(cfg.StoreConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("open key store: %w", err)
	}
	return store, cfg, nil
}

// resolveKey finds a key by ID or by its display prefix.
func resolveKey(ctx context.Context, store *config.Store, ref string) (*model.APIKey, error) {
	key, err := store.GetAPIKey(ctx, ref)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}
	key, err = store.GetAPIKeyByPrefix(ctx, ref)
	if errors.Is(err, config.ErrNotFound) {
		return nil, fmt.Errorf("no API key found with id or prefix %q", ref)
	}
	return key, err
}

// parseExpiry accepts an RFC 3339 timestamp or a duration from now.
func parseExpiry(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --expires %q: want RFC 3339 time or duration like 720h", s)
	}
	t := time.Now().Add(d).UTC()
	return &t, nil
}

// parseTimeFlag parses an optional RFC 3339 flag value.
func parseTimeFlag(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: want RFC 3339 time", name, s)
	}
	t = t.UTC()
	return &t, nil
}

func parseScopes(in []string) model.Scopes {
	out := make(model.Scopes, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, model.Scope(s))
		}
	}
	return out
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
