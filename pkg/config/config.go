package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. NANOPOD_REGISTRY_URL.
const EnvPrefix = "nanopod"

// Keys shared by flags, environment variables and config files.
const (
	Debug       = "debug"
	RegistryURL = "registry-url"
	AuthURL     = "auth-url"
	AuthService = "auth-service"
	Namespace   = "namespace"
	ScratchDir  = "scratch-dir"
	HTTPTimeout = "http-timeout"
	Concurrency = "concurrency"
	RateLimit   = "rate-limit"
	KeepScratch = "keep-scratch"
)

// Defaults target Docker Hub.
const (
	DefaultRegistryURL = "https://registry.hub.docker.com"
	DefaultAuthURL     = "https://auth.docker.io/token"
	DefaultAuthService = "registry.docker.io"
	DefaultNamespace   = "library"
	DefaultHTTPTimeout = 5 * time.Minute
	DefaultConcurrency = 3
)

type Config struct {
	Debug       bool
	RegistryURL string
	AuthURL     string
	AuthService string
	Namespace   string
	ScratchDir  string
	HTTPTimeout time.Duration
	Concurrency int
	// RateLimit caps blob download throughput in bytes per second. Zero disables it.
	RateLimit   int64
	KeepScratch bool
}

func NewConfig() *Config {
	return &Config{
		RegistryURL: DefaultRegistryURL,
		AuthURL:     DefaultAuthURL,
		AuthService: DefaultAuthService,
		Namespace:   DefaultNamespace,
		ScratchDir:  defaultScratchDir(),
		HTTPTimeout: DefaultHTTPTimeout,
		Concurrency: DefaultConcurrency,
	}
}

// NewViper returns a viper instance that resolves keys from NANOPOD_* variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// FromViper overlays every key set in v on top of the defaults.
func FromViper(v *viper.Viper) (*Config, error) {
	c := NewConfig()

	if v.IsSet(Debug) {
		c.Debug = v.GetBool(Debug)
	}
	if v.IsSet(RegistryURL) {
		c.RegistryURL = strings.TrimRight(v.GetString(RegistryURL), "/")
	}
	if v.IsSet(AuthURL) {
		c.AuthURL = v.GetString(AuthURL)
	}
	if v.IsSet(AuthService) {
		c.AuthService = v.GetString(AuthService)
	}
	if v.IsSet(Namespace) {
		c.Namespace = v.GetString(Namespace)
	}
	if v.IsSet(ScratchDir) && v.GetString(ScratchDir) != "" {
		c.ScratchDir = v.GetString(ScratchDir)
	}
	if v.IsSet(HTTPTimeout) {
		c.HTTPTimeout = v.GetDuration(HTTPTimeout)
	}
	if v.IsSet(Concurrency) {
		c.Concurrency = v.GetInt(Concurrency)
	}
	if v.IsSet(RateLimit) {
		c.RateLimit = v.GetInt64(RateLimit)
	}
	if v.IsSet(KeepScratch) {
		c.KeepScratch = v.GetBool(KeepScratch)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.RegistryURL == "" {
		return fmt.Errorf("%s must not be empty", RegistryURL)
	}
	if c.AuthURL == "" {
		return fmt.Errorf("%s must not be empty", AuthURL)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", Concurrency, c.Concurrency)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%s must not be negative, got %d", RateLimit, c.RateLimit)
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("%s must not be negative, got %s", HTTPTimeout, c.HTTPTimeout)
	}
	return nil
}

// EnsureScratchDir creates the scratch base directory if needed.
func (c *Config) EnsureScratchDir() error {
	return os.MkdirAll(c.ScratchDir, 0755)
}

// defaultScratchDir is used when no flag, variable or config file names one.
func defaultScratchDir() string {
	return filepath.Join(os.TempDir(), "nanopod")
}
