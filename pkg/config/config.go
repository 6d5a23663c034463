package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/multierr"
)

const (
	EngineBolt  = "bolt"
	EngineInmem = "inmem"
)

// Config is the root of the node configuration.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger" validate:"required"`
	Server  ServerConfig  `yaml:"http-server" validate:"required"`
	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage" validate:"required"`
	Merge   MergeConfig   `yaml:"merge"`
	Apply   ApplyConfig   `yaml:"apply"`
	Cluster ClusterConfig `yaml:"cluster"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type NodeConfig struct {
	// Name is a human readable label attached to log lines.
	Name string `yaml:"name"`
}

type StorageConfig struct {
	Path   string `yaml:"path" validate:"required"`
	Engine string `yaml:"engine" validate:"oneof=bolt inmem"`
	// RAM keeps the local writer log and the view in memory only.
	RAM bool `yaml:"ram"`
}

type MergeConfig struct {
	PageSize int `yaml:"page_size" validate:"min=1"`
	// ReadAhead caps the records of one writer held in memory before they
	// are applied. Zero picks a multiple of PageSize.
	ReadAhead int `yaml:"read_ahead" validate:"min=0"`
}

type ApplyConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxRetries    int           `yaml:"max_retries" validate:"min=0"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type ClusterConfig struct {
	// AdvertiseAddr is the base URL other nodes use to read the local log.
	AdvertiseAddr string `yaml:"advertise_addr"`
	// Writers are remote logs given as id=url.
	Writers []string `yaml:"writers"`
	// Indexes are further logs merged into the view, given as id=url. Every
	// node materializes the view itself, so they are merged like Writers.
	Indexes []string `yaml:"indexes"`
	// Discovery enables ZooKeeper membership when servers are configured.
	Discovery bool            `yaml:"discovery"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Storage: StorageConfig{
			Path:   "./data",
			Engine: EngineBolt,
		},
		Merge: MergeConfig{
			PageSize: 128,
		},
		Apply: ApplyConfig{
			BatchSize:     256,
			PollInterval:  500 * time.Millisecond,
			MaxRetries:    5,
			RetryInterval: 50 * time.Millisecond,
		},
		Cluster: ClusterConfig{
			Discovery: true,
			Zookeeper: ZookeeperConfig{
				Root:           "/votedb",
				SessionTimeout: 5 * time.Second,
			},
		},
	}
}

// Load reads a YAML file over Default. A missing file yields Default.
func Load(path string) (Config, bool, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, false, nil
		}
		return cfg, false, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, true, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		check(false, "logger.level: unknown level %q", c.Logger.Level)
	}
	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "http-server.port: %d out of range", c.Server.Port)
	check(c.Storage.Engine == EngineBolt || c.Storage.Engine == EngineInmem,
		"storage.engine: must be %q or %q, got %q", EngineBolt, EngineInmem, c.Storage.Engine)
	check(c.Storage.RAM || c.Storage.Path != "", "storage.path: required unless storage.ram is set")
	check(c.Merge.PageSize >= 1, "merge.page_size: must be positive")
	check(c.Merge.ReadAhead >= 0, "merge.read_ahead: must not be negative")
	check(c.Apply.BatchSize >= 1, "apply.batch_size: must be positive")
	check(c.Apply.PollInterval > 0, "apply.poll_interval: must be positive")
	check(c.Apply.MaxRetries >= 0, "apply.max_retries: must not be negative")
	for _, w := range c.Cluster.Writers {
		check(strings.Contains(w, "="), "cluster.writers: %q is not id=url", w)
	}
	for _, w := range c.Cluster.Indexes {
		check(strings.Contains(w, "="), "cluster.indexes: %q is not id=url", w)
	}
	if c.UseZookeeper() {
		check(c.Cluster.AdvertiseAddr != "", "cluster.advertise_addr: required with zookeeper")
		check(strings.HasPrefix(c.Cluster.Zookeeper.Root, "/"), "cluster.zookeeper.root: must be absolute")
	}
	return err
}

// UseZookeeper reports whether writers are discovered through ZooKeeper.
func (c Config) UseZookeeper() bool {
	return c.Cluster.Discovery && len(c.Cluster.Zookeeper.Servers) > 0
}

// Peers returns every remote log entry (id=url), writers first.
func (c Config) Peers() []string {
	return append(slices.Clone(c.Cluster.Writers), c.Cluster.Indexes...)
}
