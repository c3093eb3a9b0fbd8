// Package config builds the application configuration the way the factory expects it:
// defaults first, then the instance config file (if any) or an explicit test mapping on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// FileName is the instance config file looked up inside the instance path
const FileName = "config.yaml"

// DefaultSecretKey is the development secret, fine for local runs only
const DefaultSecretKey = "dev"

// Config is the application configuration
type Config struct {
	SecretKey         string        `yaml:"secret_key" json:"secret_key" jsonschema:"description=key used to sign and encrypt session cookies"`
	Database          string        `yaml:"database" json:"database" jsonschema:"description=path to the sqlite database file"`
	UploadDir         string        `yaml:"upload_dir" json:"upload_dir,omitempty" jsonschema:"description=directory for uploaded files"`
	MaxUploadSize     int64         `yaml:"max_upload_size" json:"max_upload_size,omitempty" jsonschema:"description=max upload size in bytes,minimum=1"`
	AllowedExtensions []string      `yaml:"allowed_extensions" json:"allowed_extensions,omitempty" jsonschema:"description=allowed upload file extensions without dot"`
	SessionTTL        time.Duration `yaml:"session_ttl" json:"session_ttl,omitempty" jsonschema:"description=session lifetime (e.g. 24h)"`
	UploadRetention   time.Duration `yaml:"upload_retention" json:"upload_retention,omitempty" jsonschema:"description=uploads older than this are removed (e.g. 168h)"`
	Housekeeping      string        `yaml:"housekeeping" json:"housekeeping,omitempty" jsonschema:"description=cron schedule for upload cleanup or empty to disable"`

	InstancePath string `yaml:"-" json:"-"` // directory holding config file, database and uploads
}

// Default returns the built-in configuration mapping for the given instance path
func Default(instancePath string) Config {
	return Config{
		SecretKey:         DefaultSecretKey,
		Database:          filepath.Join(instancePath, "quickblog.sqlite"),
		UploadDir:         filepath.Join(instancePath, "uploads"),
		MaxUploadSize:     16 * 1024 * 1024,
		AllowedExtensions: []string{"txt", "pdf", "png", "jpg", "jpeg", "gif"},
		SessionTTL:        24 * time.Hour,
		UploadRetention:   7 * 24 * time.Hour,
		Housekeeping:      "@hourly",
		InstancePath:      instancePath,
	}
}

// Load makes the configuration for the application factory.
// Without test mapping the instance config file is applied if present, otherwise
// the test mapping is applied and the instance file is ignored.
func Load(instancePath string, test map[string]any) (Config, error) {
	cfg := Default(instancePath)
	if test == nil {
		if err := cfg.FromFile(filepath.Join(instancePath, FileName), true); err != nil {
			return Config{}, err
		}
	} else if err := cfg.FromMapping(test); err != nil {
		return Config{}, fmt.Errorf("failed to apply test config: %w", err)
	}

	if err := os.MkdirAll(instancePath, 0o750); err != nil {
		return Config{}, fmt.Errorf("failed to make instance path %s: %w", instancePath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromMapping overlays values from the mapping. Keys are the yaml keys of Config,
// unknown keys are rejected.
func (c *Config) FromMapping(m map[string]any) error {
	norm := make(map[string]any, len(m))
	for k, v := range m {
		if d, ok := v.(time.Duration); ok {
			v = d.String() // yaml decodes durations from strings only
		}
		norm[k] = v
	}
	data, err := yaml.Marshal(norm)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}
	return c.decode(data)
}

// FromFile overlays values from the yaml file. Missing file is not an error if silent is set.
func (c *Config) FromFile(path string, silent bool) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is the instance config file
	if err != nil {
		if silent && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := c.decode(data); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// Validate checks configuration values
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return errors.New("secret_key is required")
	}
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max_upload_size must be positive, got %d", c.MaxUploadSize)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive, got %v", c.SessionTTL)
	}
	if c.Housekeeping != "" {
		if _, err := cron.ParseStandard(c.Housekeeping); err != nil {
			return fmt.Errorf("invalid housekeeping schedule %q: %w", c.Housekeeping, err)
		}
	}
	return nil
}

// DevSecret reports whether the development secret key is in use
func (c *Config) DevSecret() bool {
	return c.SecretKey == DefaultSecretKey
}

// GenerateSchema returns JSON schema of the instance config file
func GenerateSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(time.Duration(0)) {
				return &jsonschema.Schema{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|ms|s|m|h))+$`}
			}
			return nil
		},
	}
	return r.Reflect(&Config{})
}
