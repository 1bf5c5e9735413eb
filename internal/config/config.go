package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Durable backends.
const (
	BackendNone     = "none"
	BackendBadger   = "badger"
	BackendMySQL    = "mysql"
	BackendPostgres = "postgres"
	BackendMinio    = "minio"
)

// Inference engines.
const (
	EngineRules  = "rules"
	EngineOpenAI = "openai"
	EngineDocker = "docker"
)

type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"readTimeout"`
		WriteTimeout    time.Duration `yaml:"writeTimeout"`
		IdleTimeout     time.Duration `yaml:"idleTimeout"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
		MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
		// proxies whose X-Forwarded-For / X-Real-IP are believed, CIDR or address
		TrustedProxies  []string      `yaml:"trustedProxies"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // json or text
	} `yaml:"log"`

	Registry struct {
		Workers              int           `yaml:"workers"`
		MaxQueueDepth        int           `yaml:"maxQueueDepth"`
		Watchdog             time.Duration `yaml:"watchdog"`
		DefaultTTL           time.Duration `yaml:"defaultTTL"`
		DefaultMaxRetrievals int           `yaml:"defaultMaxRetrievals"`
		MaxCodeBytes         int           `yaml:"maxCodeBytes"`
	} `yaml:"registry"`

	Notify struct {
		Initial      time.Duration `yaml:"initial"`
		Total        time.Duration `yaml:"total"`
		PingInterval time.Duration `yaml:"pingInterval"`
		WriteTimeout time.Duration `yaml:"writeTimeout"`
	} `yaml:"notify"`

	Eviction struct {
		Interval      time.Duration `yaml:"interval"`
		MaxTotalBytes int64         `yaml:"maxTotalBytes"`
	} `yaml:"eviction"`

	Store struct {
		Backend string `yaml:"backend"`

		Badger struct {
			Path           string        `yaml:"path"`
			SyncWrites     bool          `yaml:"syncWrites"`
			GCInterval     time.Duration `yaml:"gcInterval"`
			GCDiscardRatio float64       `yaml:"gcDiscardRatio"`
		} `yaml:"badger"`

		// blok database dipakai backend mysql
		Database struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			Name     string `yaml:"name"`
		} `yaml:"database"`

		Postgres struct {
			URL      string `yaml:"url"`
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			Name     string `yaml:"name"`
			SSLMode  string `yaml:"sslMode"`
		} `yaml:"postgres"`

		Minio struct {
			Endpoint   string `yaml:"endpoint"`
			AccessKey  string `yaml:"accessKey"`
			SecretKey  string `yaml:"secretKey"`
			BucketName string `yaml:"bucketName"`
			Region     string `yaml:"region"`
			UseSSL     bool   `yaml:"useSSL"`
			Prefix     string `yaml:"prefix"`
		} `yaml:"minio"`
	} `yaml:"store"`

	Analyzer struct {
		Engine string `yaml:"engine"`

		OpenAI struct {
			APIKey  string `yaml:"apiKey"`
			Model   string `yaml:"model"`
			BaseURL string `yaml:"baseURL"`
		} `yaml:"openai"`

		// container jalan tanpa network, rules harus lokal
		Docker struct {
			Binary          string        `yaml:"binary"`
			Image           string        `yaml:"image"`
			RulesDir        string        `yaml:"rulesDir"` // mounted read-only at /rules
			Ruleset         string        `yaml:"ruleset"`
			AllowedRulesets []string      `yaml:"allowedRulesets"`
			TempDir         string        `yaml:"tempDir"`
			Heartbeat       time.Duration `yaml:"heartbeat"`
		} `yaml:"docker"`
	} `yaml:"analyzer"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"cors"`

	RateLimit struct {
		PerSecond float64 `yaml:"perSecond"` // 0 disables
		Burst     int     `yaml:"burst"`
	} `yaml:"rateLimit"`

	Admin struct {
		APIKey string `yaml:"apiKey"` // empty leaves admin endpoints open
	} `yaml:"admin"`
}

// Defaults returns a config that runs locally with no external services.
func Defaults() *Config {
	var c Config
	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	// panjang karena websocket, write deadline per pesan diatur sendiri
	c.Server.WriteTimeout = 0
	c.Server.IdleTimeout = 60 * time.Second
	c.Server.ShutdownTimeout = 10 * time.Second
	c.Server.MaxBodyBytes = 2 << 20

	c.Log.Level = "info"
	c.Log.Format = "json"

	c.Registry.Workers = 2
	c.Registry.Watchdog = 2 * time.Minute
	c.Registry.DefaultTTL = 24 * time.Hour
	c.Registry.DefaultMaxRetrievals = 10
	c.Registry.MaxCodeBytes = 1 << 20

	c.Notify.Initial = 10 * time.Second
	c.Notify.Total = 5 * time.Minute
	c.Notify.PingInterval = 30 * time.Second
	c.Notify.WriteTimeout = 10 * time.Second

	c.Eviction.Interval = time.Minute
	c.Eviction.MaxTotalBytes = 256 << 20

	c.Store.Backend = BackendBadger
	c.Store.Badger.Path = "./data/badger"
	c.Store.Badger.SyncWrites = true
	c.Store.Badger.GCInterval = 5 * time.Minute
	c.Store.Badger.GCDiscardRatio = 0.5
	c.Store.Database.Port = 3306
	c.Store.Postgres.Port = 5432
	c.Store.Postgres.SSLMode = "disable"
	c.Store.Minio.Prefix = "analyses"

	c.Analyzer.Engine = EngineRules
	c.Analyzer.OpenAI.Model = "o3-2025-04-16"
	c.Analyzer.Docker.Image = "semgrep/semgrep:latest"
	c.Analyzer.Docker.RulesDir = "./rules"
	c.Analyzer.Docker.Ruleset = "/rules"
	c.Analyzer.Docker.TempDir = "./temp"
	c.Analyzer.Docker.Heartbeat = 5 * time.Second

	c.RateLimit.Burst = 20
	return &c
}

// Load baca file config.yaml di atas Defaults, lalu env override untuk secret.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml over the defaults and applies env overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Analyzer.OpenAI.APIKey = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		c.Admin.APIKey = v
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdownTimeout must be positive"))
	}
	for _, p := range c.Server.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("server.trustedProxies entry %q is not an address or CIDR", p))
		}
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Registry.Workers <= 0 {
		errs = append(errs, errors.New("registry.workers must be positive"))
	}
	if c.Registry.MaxQueueDepth < 0 || c.Registry.DefaultMaxRetrievals < 0 || c.Registry.MaxCodeBytes < 0 {
		errs = append(errs, errors.New("registry limits must not be negative"))
	}
	if c.Registry.Watchdog < 0 || c.Registry.DefaultTTL < 0 {
		errs = append(errs, errors.New("registry durations must not be negative"))
	}
	if c.Eviction.MaxTotalBytes < 0 {
		errs = append(errs, errors.New("eviction.maxTotalBytes must not be negative"))
	}

	switch c.Store.Backend {
	case BackendNone:
	case BackendBadger:
		if c.Store.Badger.Path == "" {
			errs = append(errs, errors.New("store.badger.path is required"))
		}
	case BackendMySQL:
		if c.Store.Database.Host == "" || c.Store.Database.Name == "" {
			errs = append(errs, errors.New("store.database.host and name are required"))
		}
	case BackendPostgres:
		if c.Store.Postgres.URL == "" && (c.Store.Postgres.Host == "" || c.Store.Postgres.Name == "") {
			errs = append(errs, errors.New("store.postgres.url or host and name are required"))
		}
	case BackendMinio:
		if c.Store.Minio.Endpoint == "" || c.Store.Minio.BucketName == "" {
			errs = append(errs, errors.New("store.minio.endpoint and bucketName are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q unknown", c.Store.Backend))
	}

	switch c.Analyzer.Engine {
	case EngineRules:
	case EngineDocker:
		for _, rs := range append([]string{c.Analyzer.Docker.Ruleset}, c.Analyzer.Docker.AllowedRulesets...) {
			if needsNetwork(rs) {
				errs = append(errs, fmt.Errorf("analyzer.docker ruleset %q needs network, use rules under rulesDir", rs))
			}
		}
	case EngineOpenAI:
		if c.Analyzer.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("analyzer.openai.apiKey or OPENAI_API_KEY is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("analyzer.engine %q unknown", c.Analyzer.Engine))
	}

	if c.RateLimit.PerSecond < 0 || (c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rateLimit.burst must be positive when perSecond is set"))
	}
	return errors.Join(errs...)
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// needsNetwork reports semgrep configs that are fetched from the registry.
func needsNetwork(ruleset string) bool {
	rs := strings.TrimSpace(ruleset)
	if rs == "" || rs == "auto" || strings.Contains(rs, "://") {
		return true
	}
	for _, prefix := range []string{"p/", "r/", "s/"} {
		if strings.HasPrefix(rs, prefix) {
			return true
		}
	}
	return false
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q unknown", c.Log.Level)
	}
	return lvl, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// AdminKeys is the key set for the admin endpoints, nil when none is configured.
func (c *Config) AdminKeys() map[string]string {
	if c.Admin.APIKey == "" {
		return nil
	}
	return map[string]string{"admin": c.Admin.APIKey}
}
