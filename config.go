package warden

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warden-proxy/warden/httpmsg"
)

// RedisSettings is the store connection block of the config file.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config carries everything the proxy needs at startup. Values come
// from an optional YAML file with WARDEN_* environment overrides on
// top.
type Config struct {
	Listen            string        `yaml:"listen"`
	TransparentListen string        `yaml:"transparent_listen"`
	AdminListen       string        `yaml:"admin_listen"`
	CACert            string        `yaml:"ca_cert"`
	CAKey             string        `yaml:"ca_key"`
	VerdictTimeout    time.Duration `yaml:"verdict_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	CertCacheCapacity int           `yaml:"cert_cache_capacity"`
	ReviewResponses   bool          `yaml:"review_responses"`
	DNSServer         string        `yaml:"dns_server"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	LogLevel          string        `yaml:"log_level"`
	Redis             RedisSettings `yaml:"redis"`
}

// DefaultConfig returns the recommended initial configuration. Edit it
// freely before handing it to New.
func DefaultConfig() Config {
	return Config{
		Listen:         ":8080",
		CACert:         "ca.crt",
		CAKey:          "ca.key",
		VerdictTimeout: 5 * time.Minute,
		DialTimeout:    10 * time.Second,
		ShutdownGrace:  15 * time.Second,
		LogLevel:       "info",
		Redis:          RedisSettings{Addr: "localhost:6379"},
	}
}

// fileConfig mirrors Config for YAML decoding: every field is a
// pointer so an absent key leaves the default alone, and durations are
// strings, which yaml.v3 cannot decode into time.Duration itself.
type fileConfig struct {
	Listen            *string        `yaml:"listen"`
	TransparentListen *string        `yaml:"transparent_listen"`
	AdminListen       *string        `yaml:"admin_listen"`
	CACert            *string        `yaml:"ca_cert"`
	CAKey             *string        `yaml:"ca_key"`
	VerdictTimeout    *string        `yaml:"verdict_timeout"`
	MaxHeaderBytes    *int           `yaml:"max_header_bytes"`
	MaxBodyBytes      *int64         `yaml:"max_body_bytes"`
	CertCacheCapacity *int           `yaml:"cert_cache_capacity"`
	ReviewResponses   *bool          `yaml:"review_responses"`
	DNSServer         *string        `yaml:"dns_server"`
	DialTimeout       *string        `yaml:"dial_timeout"`
	ShutdownGrace     *string        `yaml:"shutdown_grace"`
	LogLevel          *string        `yaml:"log_level"`
	Redis             *RedisSettings `yaml:"redis"`
}

// LoadConfig builds the effective config: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		if err := fc.applyTo(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (fc *fileConfig) applyTo(cfg *Config) error {
	setIf(&cfg.Listen, fc.Listen)
	setIf(&cfg.TransparentListen, fc.TransparentListen)
	setIf(&cfg.AdminListen, fc.AdminListen)
	setIf(&cfg.CACert, fc.CACert)
	setIf(&cfg.CAKey, fc.CAKey)
	setIf(&cfg.MaxHeaderBytes, fc.MaxHeaderBytes)
	setIf(&cfg.MaxBodyBytes, fc.MaxBodyBytes)
	setIf(&cfg.CertCacheCapacity, fc.CertCacheCapacity)
	setIf(&cfg.ReviewResponses, fc.ReviewResponses)
	setIf(&cfg.DNSServer, fc.DNSServer)
	setIf(&cfg.LogLevel, fc.LogLevel)
	if fc.Redis != nil {
		cfg.Redis = *fc.Redis
	}
	for _, d := range []struct {
		dst *time.Duration
		src *string
	}{
		{&cfg.VerdictTimeout, fc.VerdictTimeout},
		{&cfg.DialTimeout, fc.DialTimeout},
		{&cfg.ShutdownGrace, fc.ShutdownGrace},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", *d.src, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (c *Config) applyEnv() {
	strVar(&c.Listen, "WARDEN_LISTEN")
	strVar(&c.TransparentListen, "WARDEN_TRANSPARENT_LISTEN")
	strVar(&c.AdminListen, "WARDEN_ADMIN_LISTEN")
	strVar(&c.CACert, "WARDEN_CA_CERT")
	strVar(&c.CAKey, "WARDEN_CA_KEY")
	strVar(&c.DNSServer, "WARDEN_DNS_SERVER")
	strVar(&c.LogLevel, "WARDEN_LOG_LEVEL")
	strVar(&c.Redis.Addr, "WARDEN_REDIS_ADDR")
	strVar(&c.Redis.Password, "WARDEN_REDIS_PASSWORD")
	intVar(&c.Redis.DB, "WARDEN_REDIS_DB")
	intVar(&c.MaxHeaderBytes, "WARDEN_MAX_HEADER_BYTES")
	int64Var(&c.MaxBodyBytes, "WARDEN_MAX_BODY_BYTES")
	intVar(&c.CertCacheCapacity, "WARDEN_CERT_CACHE_CAPACITY")
	boolVar(&c.ReviewResponses, "WARDEN_REVIEW_RESPONSES")
	durVar(&c.VerdictTimeout, "WARDEN_VERDICT_TIMEOUT")
	durVar(&c.DialTimeout, "WARDEN_DIAL_TIMEOUT")
	durVar(&c.ShutdownGrace, "WARDEN_SHUTDOWN_GRACE")
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intVar(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64Var(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func durVar(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func (c Config) limits() httpmsg.Limits {
	return httpmsg.Limits{
		MaxHeaderBytes: c.MaxHeaderBytes,
		MaxBodyBytes:   c.MaxBodyBytes,
	}
}
