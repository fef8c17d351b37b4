package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type AbsenceErrors string

const (
	// AbsenceNotFound only treats no_such_* router errors as a vanished entity.
	AbsenceNotFound AbsenceErrors = "not_found"
	// AbsenceAny treats every failed per-id meta query as a vanished entity.
	AbsenceAny AbsenceErrors = "any"
)

type Config struct {
	Router RouterConfig `yaml:"router"`
	Auth   AuthConfig   `yaml:"auth"`
	Admin  AdminConfig  `yaml:"admin"`
	Bridge BridgeConfig `yaml:"bridge"`
}

type RouterConfig struct {
	URL   string    `yaml:"url"`
	Realm string    `yaml:"realm"`
	TLS   TLSConfig `yaml:"tls"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	GoodbyeTimeout   time.Duration `yaml:"goodbye_timeout"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
}

type BridgeConfig struct {
	AbsenceErrors AbsenceErrors `yaml:"absence_errors"`

	FailureWindow  time.Duration `yaml:"failure_window"`
	FailureMaxRate int           `yaml:"failure_max_rate"`

	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

func Default() Config {
	return Config{
		Router: RouterConfig{
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			GoodbyeTimeout:   2 * time.Second,
			MaxMessageBytes:  16 << 20,
		},
		Auth: AuthConfig{Method: AuthAnonymous},
		Admin: AdminConfig{
			Addr:        ":9123",
			EnablePprof: false,
		},
		Bridge: BridgeConfig{
			AbsenceErrors:  AbsenceNotFound,
			FailureWindow:  time.Minute,
			FailureMaxRate: 10,
			MinBackoff:     500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
	}
}

// Load reads the YAML file at path over Default, applies the environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides file settings with the WAMP_* variables. Setting a
// ticket or secret also selects the matching auth method.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) bool {
		if v := getenv(key); v != "" {
			*dst = v
			return true
		}
		return false
	}
	set(&c.Router.URL, "WAMP_URL")
	set(&c.Router.Realm, "WAMP_REALM")
	set(&c.Auth.AuthID, "WAMP_PRINCIPAL")
	set(&c.Auth.AuthRole, "WAMP_AUTHROLE")
	if set(&c.Auth.Ticket, "WAMP_TICKET") {
		c.Auth.Method = AuthTicket
	}
	if set(&c.Auth.Secret, "WAMP_SECRET") {
		c.Auth.Method = AuthWAMPCRA
	}
	set(&c.Admin.Addr, "WAMPMETER_ADMIN_ADDR")
}

func (c *Config) Validate() error {
	if c.Router.URL == "" {
		return errors.New("config: router.url is required")
	}
	u, err := url.Parse(c.Router.URL)
	if err != nil {
		return fmt.Errorf("config: router.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: router.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Router.Realm == "" {
		return errors.New("config: router.realm is required")
	}
	if c.Router.HandshakeTimeout <= 0 {
		return errors.New("config: router.handshake_timeout must be > 0")
	}
	if c.Router.MaxMessageBytes <= 0 {
		return errors.New("config: router.max_message_bytes must be > 0")
	}
	if err := c.Router.TLS.validateKeyPair("router.tls"); err != nil {
		return err
	}

	if err := c.Auth.Validate(); err != nil {
		return err
	}

	if c.Admin.Addr == "" {
		return errors.New("config: admin.addr is required")
	}
	if err := c.Admin.TLS.validateKeyPair("admin.tls"); err != nil {
		return err
	}
	if c.Admin.TLS.RequireClientCert && c.Admin.TLS.ClientCAFile == "" {
		return errors.New("config: admin.tls.client_ca_file is required for mTLS")
	}

	if c.Bridge.AbsenceErrors == "" {
		c.Bridge.AbsenceErrors = AbsenceNotFound
	}
	if c.Bridge.AbsenceErrors != AbsenceNotFound && c.Bridge.AbsenceErrors != AbsenceAny {
		return fmt.Errorf("config: unknown bridge.absence_errors %q", c.Bridge.AbsenceErrors)
	}
	if c.Bridge.FailureMaxRate < 0 {
		return errors.New("config: bridge.failure_max_rate must be >= 0")
	}
	if c.Bridge.FailureMaxRate > 0 && c.Bridge.FailureWindow <= 0 {
		return errors.New("config: bridge.failure_window must be > 0 when failure_max_rate is set")
	}
	if c.Bridge.MinBackoff <= 0 {
		return errors.New("config: bridge.min_backoff must be > 0")
	}
	if c.Bridge.MaxBackoff < c.Bridge.MinBackoff {
		return errors.New("config: bridge.max_backoff must be >= min_backoff")
	}
	return nil
}
