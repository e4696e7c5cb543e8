package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Endpoint types
const (
	TypeMongoDB       = "mongodb"
	TypeElasticsearch = "elasticsearch"
	TypeFile          = "file"
)

// Operations
const (
	OperationCreate = "create"
	OperationDelete = "delete"
)

// Defaults
const (
	DefaultBatchSize          = 200
	DefaultThreadCount        = 1
	DefaultSessionIdleMinutes = 14
	DefaultDeletePasses       = 2
	DefaultDeleteRetryDelayMs = 500
)

// DefaultSystemFields are audit fields maintained by the data service itself
// and never queried or written.
var DefaultSystemFields = []string{
	"IsDeleted", "CreatedDate", "CreatedById", "LastModifiedDate", "LastModifiedById",
	"SystemModstamp", "MayEdit", "IsLocked", "LastViewedDate", "LastReferencedDate",
	"ConnectionReceivedId", "ConnectionSentId",
}

// Config represents the main configuration structure
type Config struct {
	// Source and target data services
	Source EndpointConfig `json:"source" yaml:"source"`
	Target EndpointConfig `json:"target" yaml:"target"`

	// Path of the object relationship description
	MappingFile string `json:"mappingFile" yaml:"mappingFile"`

	// "create" migrates records, "delete" empties the target objects
	Operation string `json:"operation" yaml:"operation" validate:"omitempty,oneof=create delete"`

	// Parameters for the write engine
	ThreadCount           int      `json:"threadCount" yaml:"threadCount" validate:"gte=0,lte=64"`
	SingleThreadedObjects []string `json:"singleThreadedObjects" yaml:"singleThreadedObjects"`
	BatchSize             int      `json:"batchSize" yaml:"batchSize" validate:"gte=0"`

	// Session keep-alive threshold
	SessionIdleMinutes int `json:"sessionIdleMinutes" yaml:"sessionIdleMinutes" validate:"gte=0"`

	// Delete re-pass policy
	DeletePasses       int `json:"deletePasses" yaml:"deletePasses" validate:"gte=0,lte=10"`
	DeleteRetryDelayMs int `json:"deleteRetryDelayMs" yaml:"deleteRetryDelayMs" validate:"gte=0"`

	// Fields never queried nor written
	SystemFields []string `json:"systemFields" yaml:"systemFields"`

	// Address for the Prometheus /metrics endpoint, disabled when empty
	MetricsAddr string `json:"metricsAddr" yaml:"metricsAddr" validate:"omitempty,hostname_port"`
}

// EndpointConfig describes one data service
type EndpointConfig struct {
	Type string `json:"type" yaml:"type" validate:"required,oneof=mongodb elasticsearch file"`

	// MongoDB
	ConnectionString  string `json:"connectionString" yaml:"connectionString" validate:"required_if=Type mongodb"`
	Database          string `json:"database" yaml:"database" validate:"required_if=Type mongodb"`
	SubtypeCollection string `json:"subtypeCollection" yaml:"subtypeCollection"`

	// Elasticsearch
	Addresses   []string `json:"addresses" yaml:"addresses" validate:"required_if=Type elasticsearch,dive,url"`
	Username    string   `json:"username" yaml:"username"`
	Password    string   `json:"password" yaml:"password"`
	APIKey      string   `json:"apiKey" yaml:"apiKey"`
	IndexPrefix string   `json:"indexPrefix" yaml:"indexPrefix"`

	// HTTPS configuration
	TLS                    bool   `json:"tls" yaml:"tls"`
	CACertPath             string `json:"caCertPath" yaml:"caCertPath"`
	SkipVerify             bool   `json:"skipVerify" yaml:"skipVerify"`
	CertificateFingerprint string `json:"certificateFingerprint" yaml:"certificateFingerprint"`
	ConnectionTimeout      int    `json:"connectionTimeout" yaml:"connectionTimeout"` // seconds
	ResponseTimeout        int    `json:"responseTimeout" yaml:"responseTimeout"`     // seconds

	// File source: a directory of <Object>.json record arrays
	Directory string `json:"directory" yaml:"directory" validate:"required_if=Type file"`
}

// LoadConfig loads the configuration from a JSON or YAML file
func LoadConfig(configPath string) (*Config, error) {
	// Set default config path if not provided
	if configPath == "" {
		configPath = "migration_config.json"
	}

	// Read the config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(configPath))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a configuration document. ext selects
// the format: ".yaml" and ".yml" are YAML, anything else is JSON.
func Parse(data []byte, ext string) (*Config, error) {
	var config Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, err
		}
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills unset migration parameters
func (c *Config) ApplyDefaults() {
	if c.Operation == "" {
		c.Operation = OperationCreate
	}
	if c.ThreadCount <= 0 {
		c.ThreadCount = DefaultThreadCount
	}
	if c.BatchSize <= 0 || c.BatchSize > DefaultBatchSize {
		c.BatchSize = DefaultBatchSize
	}
	if c.SessionIdleMinutes <= 0 {
		c.SessionIdleMinutes = DefaultSessionIdleMinutes
	}
	if c.DeletePasses <= 0 {
		c.DeletePasses = DefaultDeletePasses
	}
	if c.DeleteRetryDelayMs <= 0 {
		c.DeleteRetryDelayMs = DefaultDeleteRetryDelayMs
	}
	if c.SystemFields == nil {
		c.SystemFields = append([]string(nil), DefaultSystemFields...)
	}
	for _, ep := range []*EndpointConfig{&c.Source, &c.Target} {
		if ep.Type == TypeMongoDB && ep.SubtypeCollection == "" {
			ep.SubtypeCollection = "_record_types"
		}
	}
}

// Validate checks struct constraints and the rules that span several fields
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		// Use JSON field name in error messages
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return processValidateError(verrs)
		}
		return err
	}

	if c.Target.Type == TypeFile {
		return fmt.Errorf("target type %q is only supported as a source", TypeFile)
	}

	for _, ep := range []EndpointConfig{c.Source, c.Target} {
		// Check if certificate files exist if paths are provided
		if ep.TLS && ep.CACertPath != "" {
			if _, err := os.Stat(ep.CACertPath); os.IsNotExist(err) {
				return fmt.Errorf("CA certificate file not found at path: %s", ep.CACertPath)
			}
		}
	}
	return nil
}

func processValidateError(verrs validator.ValidationErrors) error {
	errs := make([]error, 0, len(verrs))
	for _, e := range verrs {
		path := strings.TrimPrefix(e.Namespace(), "Config.")
		errs = append(errs, fmt.Errorf(`key="%s", value="%v", failed "%s" validation`, path, e.Value(), e.ActualTag()))
	}
	return errors.Join(errs...)
}

// IsSingleThreaded reports whether writes of object must not be partitioned
func (c *Config) IsSingleThreaded(object string) bool {
	for _, o := range c.SingleThreadedObjects {
		if strings.EqualFold(o, object) {
			return true
		}
	}
	return false
}
