// Package config loads process configuration from a YAML file with
// BULBFLOW_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/bulbflow/internal/device"
	"github.com/roach88/bulbflow/internal/logger"
)

// Config is the whole process configuration.
type Config struct {
	Log     logger.Config `yaml:"log"`
	NATS    NATSConfig    `yaml:"nats"`
	Ingress IngressConfig `yaml:"ingress"`
	Store   StoreConfig   `yaml:"store"`
	Catalog CatalogConfig `yaml:"catalog"`
	Archive ArchiveConfig `yaml:"archive"`
	Device  DeviceConfig  `yaml:"device"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// NATSConfig addresses the device transport.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	QueueGroup     string        `yaml:"queue_group"`

	// Embedded starts an in-process server instead of dialing URL.
	Embedded     bool `yaml:"embedded"`
	EmbeddedPort int  `yaml:"embedded_port"`
}

// IngressConfig configures the durable-call HTTP server.
type IngressConfig struct {
	Listen          string        `yaml:"listen"`
	ServiceWorkers  int           `yaml:"service_workers"`
	WorkflowWorkers int           `yaml:"workflow_workers"`
	QueueSize       int           `yaml:"queue_size"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the journal. A postgres:// DSN selects Postgres;
// anything else is a SQLite path.
type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

// CatalogConfig points at an operation catalog. Empty uses the built-in one.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// ArchiveConfig configures where finished runs go. Without an endpoint,
// runs are archived into the journal.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DeviceConfig configures the simulator.
type DeviceConfig struct {
	// Store is "memory" or "jetstream".
	Store  string `yaml:"store"`
	Bucket string `yaml:"bucket"`

	device.Faults `yaml:",inline"`
}

// GatewayConfig configures the durable-call client.
type GatewayConfig struct {
	BaseURL         string        `yaml:"base_url"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	ResultTTL       time.Duration `yaml:"result_ttl"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log: logger.Config{
			Level:  "info",
			Output: "stderr",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			RequestTimeout: device.DefaultRequestTimeout,
			SubjectPrefix:  device.DefaultSubjectPrefix,
			QueueGroup:     device.DefaultQueueGroup,
			EmbeddedPort:   4222,
		},
		Ingress: IngressConfig{
			Listen:          ":9070",
			ServiceWorkers:  16,
			WorkflowWorkers: 8,
			QueueSize:       256,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DSN: "bulbflow.db",
		},
		Archive: ArchiveConfig{
			Bucket: "bulbflow-runs",
		},
		Device: DeviceConfig{
			Store:  "memory",
			Bucket: "lightbulbs",
		},
		Gateway: GatewayConfig{
			BaseURL:         "http://127.0.0.1:9070",
			RequestTimeout:  10 * time.Second,
			CallTimeout:     time.Minute,
			PollInterval:    100 * time.Millisecond,
			MaxPollInterval: 2 * time.Second,
			ResultTTL:       5 * time.Minute,
		},
	}
}

// Load reads path (optional), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Output = envString("LOG_OUTPUT", c.Log.Output)
	if c.Log.Debug, err = envBool("LOG_DEBUG", c.Log.Debug); err != nil {
		return err
	}

	c.NATS.URL = envString("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = envString("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
	c.NATS.QueueGroup = envString("NATS_QUEUE_GROUP", c.NATS.QueueGroup)
	if c.NATS.RequestTimeout, err = envDuration("NATS_REQUEST_TIMEOUT", c.NATS.RequestTimeout); err != nil {
		return err
	}
	if c.NATS.Embedded, err = envBool("NATS_EMBEDDED", c.NATS.Embedded); err != nil {
		return err
	}

	c.Ingress.Listen = envString("INGRESS_LISTEN", c.Ingress.Listen)
	if c.Ingress.ServiceWorkers, err = envInt("INGRESS_SERVICE_WORKERS", c.Ingress.ServiceWorkers); err != nil {
		return err
	}
	if c.Ingress.WorkflowWorkers, err = envInt("INGRESS_WORKFLOW_WORKERS", c.Ingress.WorkflowWorkers); err != nil {
		return err
	}

	c.Store.DSN = envString("STORE_DSN", c.Store.DSN)
	c.Catalog.Path = envString("CATALOG_PATH", c.Catalog.Path)

	c.Archive.Endpoint = envString("ARCHIVE_ENDPOINT", c.Archive.Endpoint)
	c.Archive.Bucket = envString("ARCHIVE_BUCKET", c.Archive.Bucket)
	c.Archive.AccessKey = envString("ARCHIVE_ACCESS_KEY", c.Archive.AccessKey)
	c.Archive.SecretKey = envString("ARCHIVE_SECRET_KEY", c.Archive.SecretKey)
	if c.Archive.UseSSL, err = envBool("ARCHIVE_USE_SSL", c.Archive.UseSSL); err != nil {
		return err
	}

	c.Device.Store = envString("DEVICE_STORE", c.Device.Store)
	c.Device.Bucket = envString("DEVICE_BUCKET", c.Device.Bucket)
	if c.Device.BrokenToggle, err = envBool("DEVICE_BROKEN_TOGGLE", c.Device.BrokenToggle); err != nil {
		return err
	}
	if c.Device.DropRate, err = envFloat("DEVICE_DROP_RATE", c.Device.DropRate); err != nil {
		return err
	}

	c.Gateway.BaseURL = envString("GATEWAY_BASE_URL", c.Gateway.BaseURL)
	if c.Gateway.CallTimeout, err = envDuration("GATEWAY_CALL_TIMEOUT", c.Gateway.CallTimeout); err != nil {
		return err
	}
	return nil
}

// Validate returns the first invalid field.
func (c Config) Validate() error {
	if c.NATS.URL == "" && !c.NATS.Embedded {
		return errors.New("nats.url is required unless nats.embedded is set")
	}
	if c.NATS.RequestTimeout <= 0 {
		return errors.New("nats.request_timeout must be positive")
	}
	if c.NATS.SubjectPrefix == "" {
		return errors.New("nats.subject_prefix is required")
	}
	if c.Ingress.Listen == "" {
		return errors.New("ingress.listen is required")
	}
	if c.Ingress.ServiceWorkers < 1 {
		return errors.New("ingress.service_workers must be >= 1")
	}
	if c.Ingress.WorkflowWorkers < 1 {
		return errors.New("ingress.workflow_workers must be >= 1")
	}
	if c.Ingress.QueueSize < 1 {
		return errors.New("ingress.queue_size must be >= 1")
	}
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required when archive.endpoint is set")
	}
	switch c.Device.Store {
	case "memory", "jetstream":
	default:
		return fmt.Errorf("device.store must be memory or jetstream, got %q", c.Device.Store)
	}
	if c.Device.DropRate < 0 || c.Device.DropRate > 1 {
		return errors.New("device.drop_rate must be within [0, 1]")
	}
	if c.Gateway.BaseURL == "" {
		return errors.New("gateway.base_url is required")
	}
	if c.Gateway.CallTimeout <= 0 {
		return errors.New("gateway.call_timeout must be positive")
	}
	if c.Gateway.PollInterval <= 0 || c.Gateway.MaxPollInterval < c.Gateway.PollInterval {
		return errors.New("gateway.poll_interval must be positive and <= gateway.max_poll_interval")
	}
	return nil
}
