// Package config loads backend and client settings. Values come from a .env
// file when present, then from the YAML file named by CHATSYNC_CONFIG, and
// finally from environment variables, each layer overriding the previous.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "CHATSYNC_CONFIG"

// Server configures the reference backend.
type Server struct {
	Port         string            `yaml:"port"`
	MongoURI     string            `yaml:"mongodb_uri"`
	Database     string            `yaml:"database"`
	JWTSecret    string            `yaml:"jwt_secret"`
	JWTKeys      map[string]string `yaml:"jwt_keys"`
	JWTActiveKid string            `yaml:"jwt_active_kid"`
	TokenTTL     time.Duration     `yaml:"token_ttl"`
	TLSCert      string            `yaml:"tls_cert"`
	TLSKey       string            `yaml:"tls_key"`
	RequireTLS   bool              `yaml:"require_tls"`
	RateLimitRPM int               `yaml:"rate_limit_rpm"`
	MetricsAddr  string            `yaml:"metrics_addr"`
	LogLevel     string            `yaml:"log_level"`
}

// Client configures the engine and the command line client.
type Client struct {
	Addr         string        `yaml:"addr"`
	Token        string        `yaml:"token"`
	Email        string        `yaml:"email"`
	Password     string        `yaml:"password"`
	Insecure     bool          `yaml:"insecure"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	TypingIdle   time.Duration `yaml:"typing_idle"`
	TypingExpiry time.Duration `yaml:"typing_expiry"`
	PageSize     int           `yaml:"page_size"`
	LogLevel     string        `yaml:"log_level"`
}

func defaultServer() Server {
	return Server{
		Port:         "50051",
		Database:     "chatsync",
		TokenTTL:     24 * time.Hour,
		RateLimitRPM: 10,
	}
}

func defaultClient() Client {
	return Client{
		Addr:         "localhost:50051",
		SendTimeout:  15 * time.Second,
		TypingIdle:   3 * time.Second,
		TypingExpiry: 5 * time.Second,
		PageSize:     50,
	}
}

// LoadServer reads the backend settings.
func LoadServer() (Server, error) {
	cfg := defaultServer()
	if err := load(&cfg); err != nil {
		return Server{}, err
	}
	e := &envReader{}
	e.str("PORT", &cfg.Port)
	e.str("MONGODB_URI", &cfg.MongoURI)
	e.str("MONGODB_DATABASE", &cfg.Database)
	e.str("JWT_SECRET", &cfg.JWTSecret)
	e.str("JWT_ACTIVE_KID", &cfg.JWTActiveKid)
	e.duration("TOKEN_TTL", &cfg.TokenTTL)
	e.str("TLS_CERT", &cfg.TLSCert)
	e.str("TLS_KEY", &cfg.TLSKey)
	e.boolean("REQUIRE_TLS", &cfg.RequireTLS)
	e.integer("RATE_LIMIT_RPM", &cfg.RateLimitRPM)
	e.str("METRICS_ADDR", &cfg.MetricsAddr)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	if v, ok := os.LookupEnv("JWT_KEYS"); ok && v != "" {
		keys, err := ParseKeys(v)
		if err != nil {
			e.errs = append(e.errs, err)
		}
		cfg.JWTKeys = keys
	}
	if err := errors.Join(e.errs...); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks that the backend can start with cfg.
func (c Server) Validate() error {
	if c.MongoURI == "" {
		return errors.New("MONGODB_URI must be set")
	}
	if c.JWTSecret == "" && len(c.JWTKeys) == 0 {
		return errors.New("either JWT_SECRET or JWT_KEYS must be set")
	}
	if c.RequireTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("REQUIRE_TLS is true but TLS_CERT/TLS_KEY are not configured")
	}
	return nil
}

// LoadClient reads the client settings.
func LoadClient() (Client, error) {
	cfg := defaultClient()
	if err := load(&cfg); err != nil {
		return Client{}, err
	}
	e := &envReader{}
	e.str("CHATSYNC_ADDR", &cfg.Addr)
	e.str("CHATSYNC_TOKEN", &cfg.Token)
	e.str("CHATSYNC_EMAIL", &cfg.Email)
	e.str("CHATSYNC_PASSWORD", &cfg.Password)
	e.boolean("CHATSYNC_INSECURE", &cfg.Insecure)
	e.duration("CHATSYNC_SEND_TIMEOUT", &cfg.SendTimeout)
	e.duration("CHATSYNC_TYPING_IDLE", &cfg.TypingIdle)
	e.duration("CHATSYNC_TYPING_EXPIRY", &cfg.TypingExpiry)
	e.integer("CHATSYNC_PAGE_SIZE", &cfg.PageSize)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	if err := errors.Join(e.errs...); err != nil {
		return Client{}, err
	}
	return cfg, cfg.Validate()
}

func (c Client) Validate() error {
	if c.Addr == "" {
		return errors.New("CHATSYNC_ADDR must be set")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.SendTimeout <= 0 || c.TypingIdle <= 0 || c.TypingExpiry <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

// load applies .env and the optional YAML file to cfg.
func load(cfg any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	path := os.Getenv(FileEnv)
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ParseKeys parses a "kid:secret,kid2:secret2" key list.
func ParseKeys(s string) (map[string]string, error) {
	keys := map[string]string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kid, secret, ok := strings.Cut(p, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %q", p)
		}
		keys[kid] = secret
	}
	return keys, nil
}

type envReader struct {
	errs []error
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = b
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = d
}
