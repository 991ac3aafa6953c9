package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models worktally.yml.
type Config struct {
	Serve struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"serve"`
	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		StaticToken string `yaml:"static_token"`
	} `yaml:"auth"`
	Cache struct {
		Staleness Duration `yaml:"staleness"`
	} `yaml:"cache"`
	Currency struct {
		Symbol string `yaml:"symbol"`
	} `yaml:"currency"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Serve.Addr == "" {
		return fmt.Errorf("config.serve.addr is required")
	}
	if c.Cache.Staleness < 0 {
		return fmt.Errorf("config.cache.staleness must not be negative")
	}
	if c.Currency.Symbol == "" {
		return fmt.Errorf("config.currency.symbol is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "worktally.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wt config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Serve.Addr = ":8088"
	cfg.Serve.BasePath = "/api/v1"
	cfg.Cache.Staleness = Duration(30 * time.Second)
	cfg.Currency.Symbol = "£"
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `serve:
  addr: ":8088"
  base_path: /api/v1

auth:
  # HS256 secret for JWT bearer tokens; leave empty to disable JWT auth.
  jwt_secret: ""
  # Shared token accepted as Authorization: Bearer <static_token>.
  static_token: ""

cache:
  # Maximum age of a cached field before the server re-reads the store.
  staleness: 30s

currency:
  symbol: "£"
`
