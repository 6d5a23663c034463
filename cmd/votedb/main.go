package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"votedb/internal/http"
	"votedb/pkg/apply"
	"votedb/pkg/cluster"
	"votedb/pkg/config"
	"votedb/pkg/kv"
	"votedb/pkg/merge"
	"votedb/pkg/metrics"
	"votedb/pkg/view"
	"votedb/pkg/writerlog"
)

var errRebuildIncomplete = errors.New("rebuild incomplete")

type cliFlags struct {
	configPath string
	storage    string
	name       string
	ram        bool
	writers    []string
	indexes    []string
	swarm      bool
	port       int
	zk         []string
	advertise  string
}

func main() {
	if err := newRootCommand(&cliFlags{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(flags *cliFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "votedb",
		Short: "Replicated post and vote store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "config.yaml", "path to the YAML config file")
	pf.StringVarP(&flags.storage, "storage", "s", "", "data directory")
	pf.StringVarP(&flags.name, "name", "n", "", "node name used in logs")
	pf.BoolVar(&flags.ram, "ram", false, "keep the log and the view in memory")
	pf.StringSliceVarP(&flags.writers, "writers", "w", nil, "remote writers as id=url")
	pf.StringSliceVarP(&flags.indexes, "indexes", "i", nil, "remote logs merged into the view as id=url")

	f := root.Flags()
	f.BoolVar(&flags.swarm, "swarm", true, "discover writers through ZooKeeper")
	f.IntVar(&flags.port, "port", 0, "HTTP port")
	f.StringSliceVar(&flags.zk, "zk", nil, "ZooKeeper servers")
	f.StringVar(&flags.advertise, "advertise", "", "base URL other nodes use to reach this one")

	root.AddCommand(newRebuildCommand(flags))
	return root
}

func newRebuildCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Drop the materialized view and replay the local log and the configured peers into it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(cmd, flags)
			if err != nil {
				return err
			}
			return rebuild(cmd.Context(), cfg)
		},
	}
}

type node struct {
	cfg    config.Config
	store  kv.Store
	log    writerlog.Log
	merger *merge.Merger
	engine *apply.Engine
}

func openNode(ctx context.Context, cfg config.Config) (*node, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	log, err := openLog(cfg)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	logger := nodeLogger(cfg)
	merger := merge.New(
		merge.WithLogger(logger.With("component", "merge")),
		merge.WithPageSize(cfg.Merge.PageSize),
		merge.WithReadAhead(cfg.Merge.ReadAhead),
	)
	engine := apply.New(store, merger,
		apply.WithLogger(logger.With("component", "apply")),
		apply.WithBatchSize(cfg.Apply.BatchSize),
		apply.WithPollInterval(cfg.Apply.PollInterval),
		apply.WithRetry(cfg.Apply.MaxRetries, cfg.Apply.RetryInterval),
	)

	n := &node{cfg: cfg, store: store, log: log, merger: merger, engine: engine}
	if err := engine.Restore(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("restore checkpoints: %w", err), n.Close())
	}
	merger.AddWriter(log)
	log.OnAppend(func(uint64) { engine.Notify() })
	return n, nil
}

// Close drains the local log before closing the store.
func (n *node) Close() error {
	return multierr.Combine(n.log.Close(), n.store.Close())
}

func serve(ctx context.Context, cfg config.Config) (err error) {
	logger := nodeLogger(cfg)

	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, n.Close())
	}()

	v, err := view.New(ctx, n.store, n.log, n.merger, view.WithLogger(logger.With("component", "view")))
	if err != nil {
		return err
	}

	if _, err := cluster.StaticWriters(n.merger, cfg.Peers(), n.log.ID(), cluster.RemoteReader); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	components := []metrics.PrometheusCollector{n.merger, n.engine}
	if pc, ok := n.store.(metrics.PrometheusCollector); ok {
		components = append(components, pc)
	}
	if err := metrics.Register(reg, components...); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	server := http.NewServer(v, strconv.Itoa(cfg.Server.Port),
		http.WithLocalLog(n.log),
		http.WithMerger(n.merger),
		http.WithGatherer(reg),
		http.WithName(cfg.Node.Name),
		http.WithLogger(logger.With("component", "http")),
		http.WithTimeouts(cfg.Server.ReadHeaderTimeout, cfg.Server.ShutdownTimeout),
	)
	if err := server.Start(); err != nil {
		return err
	}

	// membership is settled before any goroutine touches the store, so a
	// failure here only has the server to stop
	var membership *cluster.ZKMembership
	if cfg.UseZookeeper() {
		zkc := cfg.Cluster.Zookeeper
		m, zkErr := cluster.NewZKMembership(zkc.Servers, zkc.Root, zkc.SessionTimeout,
			n.log.ID(), advertiseURL(cfg), logger.With("component", "zk"))
		if zkErr != nil {
			return multierr.Append(fmt.Errorf("connect to zookeeper: %w", zkErr), server.Stop())
		}
		defer func() {
			err = multierr.Append(err, m.Close())
		}()
		if zkErr := m.RegisterSelf(ctx); zkErr != nil {
			return multierr.Append(fmt.Errorf("register in zookeeper: %w", zkErr), server.Stop())
		}
		membership = m
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.engine.Run(gctx)
	})
	if membership != nil {
		g.Go(func() error {
			return membership.Run(gctx, n.merger)
		})
	}

	logger.Info("votedb started", "writer", n.log.ID(), "addr", server.URL)

	g.Go(func() error {
		<-gctx.Done()
		return server.Stop()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("votedb stopped")
	return nil
}

func rebuild(ctx context.Context, cfg config.Config) (err error) {
	logger := nodeLogger(cfg)

	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, n.Close())
	}()

	// local records name remote writers as dependencies, so the peers are
	// merged too
	if _, err := cluster.StaticWriters(n.merger, cfg.Peers(), n.log.ID(), cluster.RemoteReader); err != nil {
		return err
	}

	if err := n.engine.Rebuild(ctx); err != nil {
		return err
	}
	applied, err := n.engine.Sync(ctx)
	if err != nil {
		return err
	}

	if pending := n.merger.PendingLen(); pending > 0 {
		blocked := n.merger.Blocked()
		logger.Warn("view rebuilt partially", "writer", n.log.ID(), "applied", applied,
			"pending", pending, "blocked", blocked)
		return fmt.Errorf("%w: %d entries still wait on writers %v",
			errRebuildIncomplete, pending, slices.Sorted(maps.Keys(blocked)))
	}
	logger.Info("view rebuilt", "writer", n.log.ID(), "applied", applied)
	return nil
}
