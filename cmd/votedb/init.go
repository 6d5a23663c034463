package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"votedb/pkg/config"
	"votedb/pkg/kv"
	"votedb/pkg/kv/bolt"
	"votedb/pkg/kv/inmem"
	"votedb/pkg/writerlog"
)

const storeFile = "votedb.db"

// initConfig loads the YAML file, applies the flags set on cmd and sets up
// the default logger.
func initConfig(cmd *cobra.Command, flags *cliFlags) (config.Config, error) {
	cfg, found, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}

	f := cmd.Flags()
	if f.Changed("storage") {
		cfg.Storage.Path = flags.storage
	}
	if f.Changed("name") {
		cfg.Node.Name = flags.name
	}
	if f.Changed("ram") {
		cfg.Storage.RAM = flags.ram
	}
	if f.Changed("writers") {
		cfg.Cluster.Writers = flags.writers
	}
	if f.Changed("indexes") {
		cfg.Cluster.Indexes = flags.indexes
	}
	if f.Changed("swarm") {
		cfg.Cluster.Discovery = flags.swarm
	}
	if f.Changed("port") {
		cfg.Server.Port = flags.port
	}
	if f.Changed("zk") {
		cfg.Cluster.Zookeeper.Servers = flags.zk
	}
	if f.Changed("advertise") {
		cfg.Cluster.AdvertiseAddr = flags.advertise
	}
	if cfg.Storage.RAM {
		cfg.Storage.Engine = config.EngineInmem
	}
	if cfg.UseZookeeper() && cfg.Cluster.AdvertiseAddr == "" {
		cfg.Cluster.AdvertiseAddr = advertiseURL(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	initLogger(&cfg)
	if !found {
		slog.Info("config file not found, using default config", "path", flags.configPath)
	}
	return cfg, nil
}

// initLogger sets up the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
}

func nodeLogger(cfg config.Config) *slog.Logger {
	if cfg.Node.Name == "" {
		return slog.Default()
	}
	return slog.Default().With("node", cfg.Node.Name)
}

func advertiseURL(cfg config.Config) string {
	if cfg.Cluster.AdvertiseAddr != "" {
		return cfg.Cluster.AdvertiseAddr
	}
	return "http://localhost:" + strconv.Itoa(cfg.Server.Port)
}

func openStore(cfg config.Config) (kv.Store, error) {
	if cfg.Storage.Engine == config.EngineInmem {
		return inmem.New(inmem.WithPageSize(cfg.Merge.PageSize)), nil
	}
	store, err := bolt.Open(filepath.Join(cfg.Storage.Path, storeFile),
		bolt.WithLogger(nodeLogger(cfg).With("component", "bolt")),
		bolt.WithPageSize(cfg.Merge.PageSize),
	)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// openLog returns the local writer log. In RAM mode the writer gets a fresh
// identity on every start.
func openLog(cfg config.Config) (writerlog.Log, error) {
	if cfg.Storage.RAM {
		return writerlog.NewMemory(writerlog.NewID()), nil
	}
	id, err := writerlog.LoadOrCreateID(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	log, err := writerlog.OpenFile(cfg.Storage.Path, id, nodeLogger(cfg).With("component", "writerlog"))
	if err != nil {
		return nil, err
	}
	return log, nil
}
