package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/busmap/server/internal/clients/devicefeed"
	"github.com/busmap/server/internal/clients/nominatim"
	"github.com/busmap/server/internal/lib/location"
	"github.com/busmap/server/internal/lib/overlay"
	"github.com/busmap/server/internal/lib/routing"
	"github.com/busmap/server/internal/lib/stitch"
	"github.com/busmap/server/internal/store"
)

// Config represents the complete server configuration
type Config struct {
	Server   ServerConfig      `koanf:"server" yaml:"server"`
	Location location.Config   `koanf:"location" yaml:"location"`
	Matcher  routing.Config    `koanf:"matcher" yaml:"matcher"`
	Router   RouterConfig      `koanf:"router" yaml:"router"`
	Stitch   stitch.Config     `koanf:"stitch" yaml:"stitch"`
	Overlay  overlay.Config    `koanf:"overlay" yaml:"overlay"`
	Geocoder nominatim.Config  `koanf:"geocoder" yaml:"geocoder"`
	Devices  devicefeed.Config `koanf:"devices" yaml:"devices"`
	Store    StoreConfig       `koanf:"store" yaml:"store"`
	Search   SearchConfig      `koanf:"search" yaml:"search"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	CorsOrigins []string `koanf:"corsOrigins" yaml:"cors_origins"`
	Metrics     bool     `koanf:"metrics" yaml:"metrics"`
}

// Routing providers
const (
	ProviderOSRM   = "osrm"
	ProviderGoogle = "google"
)

// RouterConfig selects the road routing backend used by the stitcher
type RouterConfig struct {
	Provider     string `koanf:"provider" yaml:"provider" validate:"oneof=osrm google"`
	OSRMURL      string `koanf:"osrmURL" yaml:"osrm_url" validate:"omitempty,url"`
	GoogleAPIKey string `koanf:"googleAPIKey" yaml:"google_api_key" validate:"required_if=Provider google"`
}

// Catalog backends
const (
	StoreMemory   = "memory"
	StoreYAML     = "yaml"
	StorePostgres = "postgres"
	StoreGTFS     = "gtfs"
)

// StoreConfig selects and tunes the bus line catalog
type StoreConfig struct {
	Kind                string        `koanf:"kind" yaml:"kind" validate:"oneof=memory yaml postgres gtfs"`
	Path                string        `koanf:"path" yaml:"path" validate:"required_if=Kind yaml,required_if=Kind gtfs"`
	DSN                 string        `koanf:"dsn" yaml:"dsn" validate:"required_if=Kind postgres"`
	RefreshInterval     time.Duration `koanf:"refreshInterval" yaml:"refresh_interval" validate:"gt=0"`
	InvalidationSubject string        `koanf:"invalidationSubject" yaml:"invalidation_subject"`
}

// SearchConfig bounds the nearby and text search endpoints
type SearchConfig struct {
	NearbyRadius float64 `koanf:"nearbyRadius" yaml:"nearby_radius" validate:"gt=0"`
	MaxResults   int     `koanf:"maxResults" yaml:"max_results" validate:"gte=1,lte=50"`
}

// DefaultConfig returns a configuration that runs without any external service
// except the public OSRM and Nominatim servers.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			CorsOrigins: []string{"*"},
			Metrics:     true,
		},
		Location: location.DefaultConfig(),
		Matcher:  routing.DefaultConfig(),
		Router: RouterConfig{
			Provider: ProviderOSRM,
		},
		Stitch:  stitch.DefaultConfig(),
		Overlay: overlay.DefaultConfig(),
		Geocoder: nominatim.Config{
			UserAgent: "busmap-server/1.0",
			CacheSize: 1000,
			CacheTTL:  time.Hour,
		},
		Devices: devicefeed.Config{
			SubjectPrefix:  devicefeed.DefaultSubjectPrefix,
			RequestTimeout: 2 * time.Second,
		},
		Store: StoreConfig{
			Kind:                StoreMemory,
			RefreshInterval:     5 * time.Minute,
			InvalidationSubject: store.DefaultInvalidationSubject,
		},
		Search: SearchConfig{
			NearbyRadius: 5000,
			MaxResults:   10,
		},
	}
}

var validate = validator.New()

// Validate checks field constraints, including backend-specific required fields
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoadFile reads a standalone YAML file over the defaults
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
