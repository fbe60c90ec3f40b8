package mirror

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultPageSize = 1000
)

// Config describes what the mirror copies and where it sends it.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	PageSize int           `yaml:"pageSize" validate:"gte=0"`

	Source      SourceConfig       `yaml:"source"`
	Collections []CollectionConfig `yaml:"collections" validate:"required,min=1,dive"`

	// Policy and Credential are provisioned on start when named.
	Policy     *PolicyConfig     `yaml:"policy,omitempty"`
	Credential *CredentialConfig `yaml:"credential,omitempty" validate:"omitempty"`
}

// SourceConfig selects the database the mirror reads.
type SourceConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=pgx postgres mysql sqlite"`
	DSN    string `yaml:"dsn" validate:"required_with=Driver"`

	IDColumn        string `yaml:"idColumn"`
	UpdatedAtColumn string `yaml:"updatedAtColumn"`
	DocumentColumn  string `yaml:"documentColumn"`
}

// CollectionConfig is one monitored source collection.
type CollectionConfig struct {
	Source      string `yaml:"source" validate:"required"`
	Destination string `yaml:"destination"`
	Description string `yaml:"description"`
	TimeField   string `yaml:"timeField"`

	// Exclude lists dot paths stripped before forwarding.
	Exclude []string `yaml:"exclude" validate:"dive,required"`

	Historical *HistoricalConfig `yaml:"historical,omitempty"`
}

// HistoricalConfig adds a second destination keyed by id and version.
type HistoricalConfig struct {
	Collection   string `yaml:"collection" validate:"required"`
	VersionField string `yaml:"versionField" validate:"required"`
}

type PolicyConfig struct {
	Name        string   `yaml:"name" validate:"required"`
	ScopeFields []string `yaml:"scopeFields"`
	Exclude     []string `yaml:"exclude"`
}

type CredentialConfig struct {
	Name        string            `yaml:"name" validate:"required"`
	ScopeValues map[string]string `yaml:"scopeValues"`
}

// DestinationName is where the collection's documents land.
func (c CollectionConfig) DestinationName() string {
	if c.Destination != "" {
		return c.Destination
	}
	return c.Source
}

// LoadConfig reads a YAML mirror file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read mirror config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes, defaults and validates a mirror file.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse mirror config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid mirror config: %w", err)
	}
	seen := make(map[string]bool)
	for _, cc := range c.Collections {
		for _, name := range []string{cc.DestinationName(), historicalName(cc)} {
			if name == "" {
				continue
			}
			if seen[name] {
				return fmt.Errorf("invalid mirror config: destination %q used twice", name)
			}
			seen[name] = true
		}
	}
	if c.Credential != nil && c.Policy == nil {
		return errors.New("invalid mirror config: credential needs a policy")
	}
	if c.Credential != nil {
		for _, f := range c.Policy.ScopeFields {
			if _, ok := c.Credential.ScopeValues[f]; !ok {
				return fmt.Errorf("invalid mirror config: credential lacks scope value %q", f)
			}
		}
	}
	return nil
}

func historicalName(c CollectionConfig) string {
	if c.Historical == nil {
		return ""
	}
	return c.Historical.Collection
}
