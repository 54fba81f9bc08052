package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/boxadmin/privd/internal/paths"
)

const (
	defaultIdleTimeout       = 5 * time.Minute
	defaultCallTimeout       = 10 * time.Minute
	defaultActivationTimeout = 10 * time.Second
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		SocketPath:        paths.DefaultSocketPath(),
		ServiceUser:       "privd-web",
		IdleTimeout:       defaultIdleTimeout.String(),
		CallTimeout:       defaultCallTimeout.String(),
		Activation:        ActivationSystemd,
		ActivationUnit:    "privd.socket",
		ActivationTimeout: defaultActivationTimeout.String(),
		AuditDB:           paths.DefaultAuditDB(),
		LogLevel:          "info",
	}
}

// Load reads the config file and returns the parsed Config.
// If the config file does not exist, it returns the defaults (no error).
func Load() (*Config, error) {
	return LoadFrom(paths.ConfigFile())
}

// LoadFrom reads and parses a config file at the given path. Keys absent
// from the file keep their default values.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	expandConfigEnvVars(cfg)
	return cfg, nil
}

// ExampleConfigPath returns the default config file path (for help messages).
func ExampleConfigPath() string {
	return paths.ConfigFile()
}

func expandConfigEnvVars(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.SocketPath = expandEnvVars(cfg.SocketPath)
	cfg.AuditDB = expandEnvVars(cfg.AuditDB)
	cfg.BackupsRoot = expandEnvVars(cfg.BackupsRoot)
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // leave unresolved vars as-is
	})
}
