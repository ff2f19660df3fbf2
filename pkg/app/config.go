package app

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nodesync/nodesync/pkg/constants"
)

const envPrefix = "NODESYNC_"

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Database is a PostgreSQL DSN, or "sqlite:<path>".
	Database         string        `yaml:"database"`
	Secret           string        `yaml:"secret"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	PullLimit        int           `yaml:"pull_limit"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	CascadeInterval  time.Duration `yaml:"cascade_interval"`
}

type ClientConfig struct {
	ServerURL    string        `yaml:"server_url"`
	Token        string        `yaml:"token"`
	DataPath     string        `yaml:"data_path"`
	Transport    string        `yaml:"transport"`
	WorkspaceID  string        `yaml:"workspace_id"`
	UserID       string        `yaml:"user_id"`
	DeviceID     string        `yaml:"device_id"`
	PullInterval time.Duration `yaml:"pull_interval"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text, json or zerolog.
	Format string `yaml:"format"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":7700",
			Database:         "sqlite:nodesync.db",
			TokenTTL:         30 * 24 * time.Hour,
			PullLimit:        constants.DefaultPullLimit,
			DispatchInterval: 5 * time.Second,
			CascadeInterval:  time.Minute,
		},
		Client: ClientConfig{
			ServerURL:    "http://localhost:7700",
			DataPath:     "replica.db",
			PullInterval: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// getEnv gets environment variable with a default value.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays NODESYNC_* environment variables onto c.
func (c *Config) LoadEnv() error {
	c.Server.Addr = getEnv(envPrefix+"ADDR", c.Server.Addr)
	c.Server.Database = getEnv(envPrefix+"DATABASE", c.Server.Database)
	c.Server.Secret = getEnv(envPrefix+"SECRET", c.Server.Secret)
	c.Client.ServerURL = getEnv(envPrefix+"SERVER_URL", c.Client.ServerURL)
	c.Client.Token = getEnv(envPrefix+"TOKEN", c.Client.Token)
	c.Client.DataPath = getEnv(envPrefix+"DATA_PATH", c.Client.DataPath)
	c.Client.Transport = getEnv(envPrefix+"TRANSPORT", c.Client.Transport)
	c.Log.Level = getEnv(envPrefix+"LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv(envPrefix+"LOG_FORMAT", c.Log.Format)

	var err error
	if c.Server.TokenTTL, err = getEnvDuration(envPrefix+"TOKEN_TTL", c.Server.TokenTTL); err != nil {
		return err
	}
	if v := getEnv(envPrefix+"PULL_LIMIT", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPULL_LIMIT: %w", envPrefix, err)
		}
		c.Server.PullLimit = n
	}
	return nil
}

// flags binds the options shared by every command. Values are applied by
// apply only for flags set on the command line, so that they override the
// file and the environment without clobbering them with flag defaults.
type flags struct {
	fs     *flag.FlagSet
	config string
	values map[string]*string
}

func newFlags(name string) *flags {
	f := &flags{
		fs:     flag.NewFlagSet(name, flag.ContinueOnError),
		values: map[string]*string{},
	}
	f.fs.StringVar(&f.config, "config", getEnv(envPrefix+"CONFIG", ""), "YAML config file")
	for _, name := range []string{"log-level", "log-format"} {
		f.values[name] = f.fs.String(name, "", "")
	}
	return f
}

func (f *flags) string(name, usage string) {
	f.values[name] = f.fs.String(name, "", usage)
}

// load builds the config from defaults, the config file, the environment
// and the flags, each overriding the previous.
func (f *flags) load(args []string) (Config, error) {
	if err := f.fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if f.config != "" {
		if err := cfg.LoadFile(f.config); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return Config{}, err
	}

	var err error
	f.fs.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		v := fl.Value.String()
		switch fl.Name {
		case "log-level":
			cfg.Log.Level = v
		case "log-format":
			cfg.Log.Format = v
		case "addr":
			cfg.Server.Addr = v
		case "database":
			cfg.Server.Database = v
		case "secret":
			cfg.Server.Secret = v
		case "token-ttl":
			cfg.Server.TokenTTL, err = time.ParseDuration(v)
		case "server":
			cfg.Client.ServerURL = v
		case "token":
			cfg.Client.Token = v
		case "data":
			cfg.Client.DataPath = v
		case "transport":
			cfg.Client.Transport = v
		}
	})
	return cfg, err
}

// arg returns a command specific flag value.
func (f *flags) arg(name string) string {
	if v, ok := f.values[name]; ok {
		return *v
	}
	return ""
}
