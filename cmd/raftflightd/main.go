// Command raftflightd drives a small in-memory Raft-replication demo: one
// leader replicating a synthetic log to a handful of followers over
// flight.FakeTransport, logging each peer's next_index once every peer has
// caught up or a 5-second deadline passes. It exists
// to exercise the flight package end-to-end outside of tests, the way the
// teacher's cmd/influxd wires its subsystems together for a real server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raftkit/flight/flight"
	"github.com/raftkit/flight/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "raftflightd",
		Short: "Run an in-memory Raft log-replication demo",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDemoConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			bindOverrides(v, &cfg)
			return runDemo(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a TOML config file")
	flags.String("log-format", "", "override log-format (json|logfmt|console)")
	flags.String("metrics-addr", "", "override the Prometheus listen address")
	flags.Int("entry-count", 0, "override the number of demo log entries to replicate")
	_ = v.BindPFlag("log-format", flags.Lookup("log-format"))
	_ = v.BindPFlag("metrics-addr", flags.Lookup("metrics-addr"))
	_ = v.BindPFlag("entry-count", flags.Lookup("entry-count"))
	v.SetEnvPrefix("RAFTFLIGHTD")
	v.AutomaticEnv()

	return cmd
}

// bindOverrides applies any viper-sourced flag/env overrides on top of
// the file-loaded config, so a config file, environment variables, and
// flags compose the way the teacher's cmd/influxd layers viper over a
// struct default.
func bindOverrides(v *viper.Viper, cfg *demoConfig) {
	if s := v.GetString("log-format"); s != "" {
		cfg.LogFormat = s
	}
	if s := v.GetString("metrics-addr"); s != "" {
		cfg.MetricsAddr = s
	}
	if n := v.GetInt("entry-count"); n != 0 {
		cfg.EntryCount = n
	}
}

func runDemo(ctx context.Context, cfg demoConfig) error {
	log := logger.NewStructuredLogger(os.Stdout, logger.Config{Format: cfg.LogFormat})
	defer log.Sync()

	registry := prometheus.NewRegistry()
	registry.MustRegister(flight.PrometheusCollectors()...)
	stopMetrics := serveMetrics(cfg.MetricsAddr, registry, log)
	defer stopMetrics()

	serverID := uuid.NewString()
	node := flight.NewNode(1, log)
	transport := flight.NewFakeTransport()
	logStore := flight.NewMemoryLogStore()
	ballotBox := flight.NewMemoryBallotBox()
	timers := flight.NewWheelTimerManager(nil)

	followers := make(map[string]*demoFollower, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		f := newDemoFollower(peer, log)
		followers[peer] = f
		transport.Register(peer, f)
	}

	var g errgroup.Group
	for _, peer := range cfg.Peers {
		peer := peer
		g.Go(func() error {
			opts := flight.Options{
				GroupID:          cfg.GroupID,
				ServerID:         serverID,
				PeerID:           peer,
				Endpoint:         peer,
				StartIndex:       1,
				LogStore:         logStore,
				BallotBox:        ballotBox,
				SnapshotStorage:  flight.NewMemorySnapshotStorage(),
				RPC:              transport,
				Timers:           timers,
				Logger:           log,
				MaxEntriesBatch:  cfg.MaxEntriesBatch,
				MaxInflightMsgs:  cfg.MaxInflightMsgs,
				HeartbeatTimeout: cfg.HeartbeatTimeout,
			}
			if _, ok := node.AddPeer(opts, flight.PeerID(peer)); !ok {
				return fmt.Errorf("failed to start replicator for peer %s", peer)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// AddPeer records each replicator's ID under its own lock; collecting
	// them here (after every goroutine above has joined via g.Wait) keeps
	// the map access single-threaded.
	ids := make([]flight.ID, len(cfg.Peers))
	for i, peer := range cfg.Peers {
		id, _ := node.PeerReplicator(flight.PeerID(peer))
		ids[i] = id
	}

	for i := 0; i < cfg.EntryCount; i++ {
		logStore.Append(&flight.LogEntry{Term: node.Term(), Data: []byte(fmt.Sprintf("entry-%d", i))})
	}

	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return stopAll(node.Registry, ids)
		case <-deadline.C:
			logStatus(log, node, ids, cfg.Peers)
			return stopAll(node.Registry, ids)
		case <-tick.C:
			if allCaughtUp(node.Registry, ids, logStore.LastIndex()) {
				logStatus(log, node, ids, cfg.Peers)
				return stopAll(node.Registry, ids)
			}
		}
	}
}

func allCaughtUp(registry *flight.Registry, ids []flight.ID, lastIndex uint64) bool {
	for _, id := range ids {
		if registry.NextIndex(id) <= lastIndex {
			return false
		}
	}
	return true
}

func logStatus(log *zap.Logger, node *flight.Node, ids []flight.ID, peers []string) {
	for i, id := range ids {
		log.Info("replicator status",
			zap.String("peer", peers[i]),
			zap.Uint64("next_index", node.Registry.NextIndex(id)))
	}
}

// stopAll stops every replicator and joins its destruction under a
// bounded deadline, aggregating any peer that fails to shut down in time
// into a single error the way the teacher's shutdown paths fold multiple
// subsystem errors together.
func stopAll(registry *flight.Registry, ids []flight.ID) error {
	for _, id := range ids {
		registry.Stop(id)
	}

	var result *multierror.Error
	for _, id := range ids {
		id := id
		joined := make(chan struct{})
		go func() {
			registry.Join(id)
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(2 * time.Second):
			result = multierror.Append(result, fmt.Errorf("replicator %d did not shut down within deadline", id))
		}
	}
	return result.ErrorOrNil()
}

func serveMetrics(addr string, registry *prometheus.Registry, log *zap.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
