// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command goswarm downloads a single torrent to a directory and exits once
// every piece has been verified, per spec.md section 6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"gopkg.in/yaml.v2"

	"github.com/goswarm/goswarm/core"
	"github.com/goswarm/goswarm/internal/log"
	"github.com/goswarm/goswarm/layout"
	"github.com/goswarm/goswarm/metainfo"
	"github.com/goswarm/goswarm/metrics"
	"github.com/goswarm/goswarm/scheduler"
	"github.com/goswarm/goswarm/session"
	"github.com/goswarm/goswarm/tracker"
)

// fileConfig is the optional, YAML-loaded config layer: scheduler and
// session tuning not exposed as flags (the spec.md section 6 flags always
// take precedence over these). Matches kraken's "per-package Config struct
// with applyDefaults()" idiom, but collected under one file here since this
// CLI has only one real component tree to configure.
type fileConfig struct {
	Scheduler scheduler.Config `yaml:"scheduler"`
	Session   session.Config   `yaml:"session"`
	Metrics   metrics.Config   `yaml:"metrics"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %s", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %s", path, err)
	}
	return cfg, nil
}

func run(args []string, stdout *os.File) error {
	app := kingpin.New("goswarm", "Downloads a single torrent to a directory.")

	metainfoPath := app.Arg("metainfo_path", "Path to the .torrent metainfo file").Required().String()
	downloadDir := app.Arg("download_dir", "Directory to write the downloaded payload into").Required().String()

	port := app.Flag("port", "Port reported to trackers; this client never listens").Default("6881").Uint16()
	timeoutSecs := app.Flag("timeout", "Per network operation timeout, in seconds").Default("2.0").Float64()
	activePeers := app.Flag("active-peers", "Target number of concurrently connected peers").Default("8").Int()
	peerUpdateIntervalSecs := app.Flag("peer-update-interval", "How often the peer set is topped back up, in seconds").Default("5.0").Float64()
	configPath := app.Flag("config", "Optional YAML config file layering scheduler/session tuning").Default("").String()
	debug := app.Flag("debug", "Enable verbose development logging").Default("false").Bool()

	if _, err := app.Parse(args); err != nil {
		return err
	}

	logger, err := log.New(*debug)
	if err != nil {
		return fmt.Errorf("init logger: %s", err)
	}
	defer logger.Sync()

	cfg, err := loadFileConfig(*configPath)
	if err != nil {
		return err
	}

	stats, closer, err := metrics.New(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %s", err)
	}
	defer closer.Close()

	raw, err := os.ReadFile(*metainfoPath)
	if err != nil {
		return fmt.Errorf("read metainfo %q: %s", *metainfoPath, err)
	}
	m, err := metainfo.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse metainfo: %s", err)
	}

	writer, err := layout.NewWriter(m, *downloadDir)
	if err != nil {
		return fmt.Errorf("preallocate download directory: %s", err)
	}
	defer writer.Close()

	localPeerID, err := core.RandomPeerID()
	if err != nil {
		return fmt.Errorf("generate peer id: %s", err)
	}

	timeout := time.Duration(*timeoutSecs * float64(time.Second))
	peerUpdateInterval := time.Duration(*peerUpdateIntervalSecs * float64(time.Second))

	trackerClient := tracker.New(tracker.Config{Timeout: timeout}, logger)

	schedulerConfig := cfg.Scheduler
	schedulerConfig.ActivePeers = *activePeers
	schedulerConfig.PeerUpdateInterval = peerUpdateInterval

	sessionConfig := cfg.Session
	sessionConfig.ConnectTimeout = timeout

	sched := scheduler.New(
		m, writer, trackerClient, localPeerID, *port,
		schedulerConfig, sessionConfig, nil, stats, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "downloading %s (%d pieces) into %s\n", m.Info.Name, m.NumPieces(), *downloadDir)

	if err := sched.Run(ctx); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "download complete: %s\n", *downloadDir)
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "goswarm: %s\n", err)
		os.Exit(1)
	}
}
