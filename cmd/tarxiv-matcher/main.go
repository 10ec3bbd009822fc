// Copyright 2025 The Tarxiv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// tarxiv-matcher pairs detection events across surveys. It consumes the
// detection bus, holds a sliding window per declination band and emits match
// candidates onto the candidate topic.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarxiv/tarxiv/pkg/bus"
	"github.com/tarxiv/tarxiv/pkg/config"
	"github.com/tarxiv/tarxiv/pkg/tarxivlog"
	"github.com/tarxiv/tarxiv/pkg/xmatch"
)

func main() {
	boot := tarxivlog.Bootstrap()

	a := kingpin.New("tarxiv-matcher", "Streaming cross-match finder for the tarxiv pipeline.")
	a.HelpFlag.Short('h')
	opts := config.NewFlagOptions(a, ":9102")
	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(boot).Log("status", "flag_parse_failed", "error_message", err.Error())
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	cfg, err := config.Load(opts.Dir())
	if err != nil {
		_ = level.Error(boot).Log("status", "config_load_failed", "error_message", err.Error())
		os.Exit(1)
	}
	logger, logClose, err := tarxivlog.New(tarxivlog.Options{
		Mode:          cfg.LogMode,
		Component:     "xmatch_finder",
		Dir:           cfg.LogDir,
		CollectorAddr: collectorAddr(cfg),
		Debug:         opts.Debug,
	})
	if err != nil {
		_ = level.Error(boot).Log("status", "logger_setup_failed", "error_message", err.Error())
		os.Exit(1)
	}
	defer logClose.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bus.RegisterMetrics(reg)
	xmatch.RegisterMetrics(reg)

	// The remaining resource settings only steer the Spark deployment; they
	// are logged so configs stay comparable across deployments.
	_ = level.Info(logger).Log(
		"status", "matcher_configured",
		"radius_arcsec", cfg.XMatchRadius,
		"window_hours", cfg.XMatchWindowLen,
		"workers", cfg.SparkExecutors,
		"executor_cores", cfg.SparkExecutorCores,
		"executor_memory", cfg.SparkExecutorMemory,
		"driver_memory", cfg.SparkDriverMemory,
		"checkpoint_location", cfg.CheckpointLocation,
	)

	if cfg.KafkaHost == "" {
		_ = level.Error(logger).Log("status", "config_invalid", "error_message", "kafka_host not configured")
		os.Exit(1)
	}
	producer, err := bus.NewProducer([]string{cfg.KafkaHost}, logger)
	if err != nil {
		_ = level.Error(logger).Log("status", "producer_setup_failed", "error_message", err.Error())
		os.Exit(1)
	}
	defer producer.Close()

	matcher := xmatch.NewMatcher(xmatch.MatcherOpts{
		RadiusArcsec: cfg.XMatchRadius,
		Window:       cfg.Window(),
		Workers:      cfg.SparkExecutors,
		Producer:     producer,
		Logger:       logger,
	})
	cg, err := bus.NewConsumerGroup([]string{cfg.KafkaHost}, xmatch.GroupMatcher, []string{cfg.XMatchIngestTopic}, matcher.Handler(), logger)
	if err != nil {
		_ = level.Error(logger).Log("status", "consumer_setup_failed", "error_message", err.Error())
		os.Exit(1)
	}
	// The sliding window lives in memory, so a restart replays one window's
	// worth of the detection stream to rebuild it. Candidates re-emitted from
	// the replay collapse in the reconciler's duplicate handling.
	if err := cg.Rewind(time.Now().Add(-cfg.Window())); err != nil {
		_ = level.Error(logger).Log("status", "offset_rewind_failed", "error_message", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		abort := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("status", "received SIGTERM, exiting gracefully")
				case <-abort:
				}
				return nil
			},
			func(error) {
				close(abort)
			},
		)
	}
	{
		// Partition workers.
		ctxWorkers, cancelWorkers := context.WithCancel(ctx)
		g.Add(func() error {
			return matcher.Run(ctxWorkers)
		}, func(error) {
			cancelWorkers()
		})
	}
	{
		// Detection consumer.
		ctxConsume, cancelConsume := context.WithCancel(ctx)
		g.Add(func() error {
			return cg.Run(ctxConsume)
		}, func(error) {
			cancelConsume()
			cg.Close()
		})
	}
	{
		// Web server for metrics and probes.
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		server := &http.Server{Addr: opts.ListenAddress, Handler: mux}
		g.Add(func() error {
			_ = level.Info(logger).Log("status", "web_server_started", "listen", opts.ListenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), time.Minute)
			defer cancelShutdown()
			if err := server.Shutdown(ctxShutdown); err != nil {
				_ = level.Error(logger).Log("status", "web_server_shutdown_failed", "error_message", err.Error())
			}
		})
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("status", "matcher_exited", "error_message", err.Error())
		os.Exit(1)
	}
	_ = level.Info(logger).Log("status", "matcher_exited")
}

func collectorAddr(cfg *config.Config) string {
	if cfg.LogstashHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", cfg.LogstashHost, cfg.LogstashPort)
}
