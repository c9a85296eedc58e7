package offline0

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		ControlPrefix string `yaml:"controlPrefix"`
		// AllowedHosts lists extra hosts that absolute-form requests may
		// target. The origin and hosts of absolute precache or sitemap
		// entries are always allowed.
		AllowedHosts []string `yaml:"allowedHosts"`

		// Breaker trips after Threshold consecutive transport errors to a
		// host and fails fetches fast for Cooldown. Threshold < 0 disables.
		Breaker struct {
			Threshold int    `yaml:"threshold"`
			Cooldown  string `yaml:"cooldown"`

			cooldownDur time.Duration
		} `yaml:"breaker"`
	} `yaml:"server"`

	Cache CacheConfig `yaml:"cache"`

	Storage struct {
		Backend string `yaml:"backend"`
		LevelDB struct {
			Path        string `yaml:"path"`
			WriteBuffer string `yaml:"writeBuffer"`
			BlockCache  string `yaml:"blockCache"`
		} `yaml:"leveldb"`
		Redis struct {
			Address   string `yaml:"address"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"keyPrefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Sync struct {
		Every       string `yaml:"every"`
		Concurrency int    `yaml:"concurrency"`

		everyDur time.Duration
	} `yaml:"sync"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	originURL    *url.URL
	allowedHosts map[string]struct{}
}

// CacheConfig is the fixed, process-wide configuration of one cache
// generation.
type CacheConfig struct {
	Generation  string   `yaml:"generation"`
	APIPrefix   string   `yaml:"apiPrefix"`
	OfflinePage string   `yaml:"offlinePage"`
	Precache    []string `yaml:"precache"`
	Sitemaps    []string `yaml:"sitemaps"`
	SkipWaiting *bool    `yaml:"skipWaiting"`
	MaxEntry    string   `yaml:"maxEntry"`
	AppName     string   `yaml:"appName"`

	maxEntryBytes int64
}

func (c CacheConfig) skipWaiting() bool {
	return c.SkipWaiting == nil || *c.SkipWaiting
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.origin: unsupported scheme %q", u.Scheme)
	}
	cfg.originURL = u

	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__offline"
	}
	if !strings.HasPrefix(cfg.Server.ControlPrefix, "/") {
		return fmt.Errorf("server.controlPrefix must start with /")
	}
	cfg.Server.ControlPrefix = strings.TrimRight(cfg.Server.ControlPrefix, "/")

	b := &cfg.Server.Breaker
	if b.Threshold == 0 {
		b.Threshold = 5
	}
	b.cooldownDur = 30 * time.Second
	if b.Cooldown != "" {
		d, err := time.ParseDuration(b.Cooldown)
		if err != nil {
			return fmt.Errorf("server.breaker.cooldown: %w", err)
		}
		b.cooldownDur = d
	}

	c := &cfg.Cache
	c.Generation = strings.TrimSpace(c.Generation)
	if c.Generation == "" {
		return fmt.Errorf("cache.generation is required")
	}
	if c.APIPrefix == "" {
		c.APIPrefix = "/api/"
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		return fmt.Errorf("cache.apiPrefix must start with /")
	}
	if c.OfflinePage == "" {
		c.OfflinePage = "/offline.html"
	}
	if c.AppName == "" {
		c.AppName = "offline0"
	}
	if c.MaxEntry != "" {
		n, err := parseBytes(c.MaxEntry)
		if err != nil {
			return fmt.Errorf("cache.maxEntry: %w", err)
		}
		c.maxEntryBytes = n
	}
	for i, p := range c.Precache {
		p = strings.TrimSpace(p)
		if p == "" {
			return fmt.Errorf("cache.precache[%d]: empty entry", i)
		}
		c.Precache[i] = p
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = BackendMemory
	case BackendMemory:
	case BackendLevelDB:
		if cfg.Storage.LevelDB.Path == "" {
			cfg.Storage.LevelDB.Path = "./data/leveldb"
		}
		for name, v := range map[string]string{
			"writeBuffer": cfg.Storage.LevelDB.WriteBuffer,
			"blockCache":  cfg.Storage.LevelDB.BlockCache,
		} {
			if v == "" {
				continue
			}
			if _, err := parseBytes(v); err != nil {
				return fmt.Errorf("storage.leveldb.%s: %w", name, err)
			}
		}
	case BackendRedis:
		if cfg.Storage.Redis.Address == "" {
			cfg.Storage.Redis.Address = "localhost:6379"
		}
		if cfg.Storage.Redis.KeyPrefix == "" {
			cfg.Storage.Redis.KeyPrefix = "offline0:"
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}

	if cfg.Sync.Every != "" {
		d, err := time.ParseDuration(cfg.Sync.Every)
		if err != nil {
			return fmt.Errorf("sync.every: %w", err)
		}
		cfg.Sync.everyDur = d
	}
	if cfg.Sync.Concurrency <= 0 {
		cfg.Sync.Concurrency = 8
	}

	cfg.allowedHosts = map[string]struct{}{strings.ToLower(u.Host): {}}
	for i, h := range cfg.Server.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return fmt.Errorf("server.allowedHosts[%d]: empty entry", i)
		}
		cfg.allowedHosts[h] = struct{}{}
	}
	for _, ref := range append(append([]string(nil), c.Precache...), c.Sitemaps...) {
		if ru, err := url.Parse(strings.TrimSpace(ref)); err == nil && ru.IsAbs() && ru.Host != "" {
			cfg.allowedHosts[strings.ToLower(ru.Host)] = struct{}{}
		}
	}

	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}
	return nil
}

func (cfg Config) breakerOptions() BreakerOptions {
	return BreakerOptions{
		Threshold: cfg.Server.Breaker.Threshold,
		Cooldown:  cfg.Server.Breaker.cooldownDur,
	}
}

// allowsHost reports whether requests for host may be fetched. Anything
// else would turn the gateway into an open proxy.
func (cfg Config) allowsHost(host string) bool {
	if cfg.allowedHosts == nil {
		return strings.EqualFold(host, cfg.OriginURL().Host)
	}
	_, ok := cfg.allowedHosts[strings.ToLower(host)]
	return ok
}

// OriginURL is the parsed server.origin.
func (cfg Config) OriginURL() *url.URL {
	if cfg.originURL != nil {
		return cfg.originURL
	}
	u, _ := url.Parse(cfg.Server.Origin)
	return u
}

// resolve turns a configured resource (absolute or origin-relative) into an
// absolute URL.
func (cfg Config) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return cfg.OriginURL().ResolveReference(u), nil
}
