// Package config loads the executor process's configuration from a
// YAML file, overridable by command-line flags, the way the teacher's
// installer config loader layers a YAML default over flag-bound values.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"sigs.k8s.io/yaml"
)

// StoreBackend selects the C1/C2 storage implementation.
type StoreBackend string

const (
	BackendMemory     StoreBackend = "memory"
	BackendDocument   StoreBackend = "document"
	BackendRelational StoreBackend = "relational"
)

// Config is the executor process's full configuration.
type Config struct {
	Namespace      string       `json:"namespace"`
	ListenAddress  string       `json:"listenAddress"`
	StoreBackend   StoreBackend `json:"storeBackend"`
	CacheBackend   StoreBackend `json:"cacheBackend"`
	DataRoot       string       `json:"dataRoot"`
	Modules        []string     `json:"modules"`
	PullSecretName string       `json:"pullSecretName"`
	Document       DocumentConfig `json:"document"`
	Relational     RelationalConfig `json:"relational"`
}

// DocumentConfig configures the Mongo-style document backend.
type DocumentConfig struct {
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// RelationalConfig configures the Postgres-backed relational backend.
type RelationalConfig struct {
	DSN   string `json:"dsn"`
	Table string `json:"table"`
}

// DefaultConfig is the configuration a bare `trainforge-executor serve`
// runs with when no file or flag overrides anything.
func DefaultConfig() *Config {
	return &Config{
		Namespace:      "default",
		ListenAddress:  ":7070",
		StoreBackend:   BackendMemory,
		CacheBackend:   BackendMemory,
		DataRoot:       "/var/run/trainforge",
		Modules:        []string{"Pod", "Job", "Deployment", "Service", "TFJob", "PyTorchJob", "MPIJob", "ElasticJob"},
		PullSecretName: "",
	}
}

// LoadFromFile reads and parses a YAML configuration file, starting
// from DefaultConfig so a file that only sets a few fields still gets
// sane values for the rest.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// BindFlags registers every overridable field on fs, so a caller in
// cmd/ can do `config.BindFlags(cmd.PersistentFlags(), cfg)` after
// loading the file, letting explicit flags win over the file's values.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "kubernetes namespace to schedule tasks into")
	fs.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "control protocol listen address")
	fs.StringVar((*string)(&cfg.StoreBackend), "store-backend", string(cfg.StoreBackend), "job store backend: memory, document, or relational")
	fs.StringVar((*string)(&cfg.CacheBackend), "cache-backend", string(cfg.CacheBackend), "hash cache backend: memory, document, or relational")
	fs.StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "filesystem root for per-task scratch directories")
	fs.StringSliceVar(&cfg.Modules, "modules", cfg.Modules, "resource handler kinds to register")
	fs.StringVar(&cfg.PullSecretName, "pull-secret", cfg.PullSecretName, "registry pull secret name (not passed to the resource handlers: submitted pods always reference the pull secret named \"registry\")")
}

// Validate reports whether cfg is complete enough to start the executor.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("listenAddress is required")
	}
	if c.DataRoot == "" {
		return fmt.Errorf("dataRoot is required")
	}
	switch c.StoreBackend {
	case BackendMemory, BackendDocument, BackendRelational:
	default:
		return fmt.Errorf("storeBackend must be one of memory, document, relational, got %q", c.StoreBackend)
	}
	switch c.CacheBackend {
	case BackendMemory, BackendDocument, BackendRelational:
	default:
		return fmt.Errorf("cacheBackend must be one of memory, document, relational, got %q", c.CacheBackend)
	}
	if c.StoreBackend == BackendDocument && (c.Document.URI == "" || c.Document.Collection == "") {
		return fmt.Errorf("document.uri and document.collection are required when storeBackend is document")
	}
	if c.StoreBackend == BackendRelational && (c.Relational.DSN == "" || c.Relational.Table == "") {
		return fmt.Errorf("relational.dsn and relational.table are required when storeBackend is relational")
	}
	return nil
}
