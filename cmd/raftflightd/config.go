package main

import (
	"time"

	"github.com/BurntSushi/toml"
)

// demoConfig is the on-disk shape for raftflightd's optional config file,
// decoded directly with BurntSushi/toml the way the teacher's
// logger.Config is tagged for a straight struct decode, kept separate
// from viper's flag/env binding below.
type demoConfig struct {
	GroupID          string        `toml:"group-id"`
	Peers            []string      `toml:"peers"`
	EntryCount       int           `toml:"entry-count"`
	MaxEntriesBatch  int           `toml:"max-entries-batch"`
	MaxInflightMsgs  int           `toml:"max-inflight-msgs"`
	HeartbeatTimeout time.Duration `toml:"heartbeat-timeout"`
	LogFormat        string        `toml:"log-format"`
	MetricsAddr      string        `toml:"metrics-addr"`
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		GroupID:          "demo",
		Peers:            []string{"peer-a", "peer-b"},
		EntryCount:       40,
		MaxEntriesBatch:  8,
		MaxInflightMsgs:  4,
		HeartbeatTimeout: 250 * time.Millisecond,
		LogFormat:        "logfmt",
		MetricsAddr:      ":9412",
	}
}

func loadDemoConfig(path string) (demoConfig, error) {
	cfg := defaultDemoConfig()
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}
