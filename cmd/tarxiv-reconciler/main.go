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

// tarxiv-reconciler folds match candidates into durable cross-match hits:
// minting TXV identifiers, archiving the raw alerts behind each hit and
// publishing cross-match notices to the community broker.
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
	"github.com/tarxiv/tarxiv/pkg/schema"
	"github.com/tarxiv/tarxiv/pkg/store"
	"github.com/tarxiv/tarxiv/pkg/survey"
	"github.com/tarxiv/tarxiv/pkg/tarxivlog"
	"github.com/tarxiv/tarxiv/pkg/xmatch"
)

func main() {
	boot := tarxivlog.Bootstrap()

	a := kingpin.New("tarxiv-reconciler", "Cross-match reconciler for the tarxiv pipeline.")
	a.HelpFlag.Short('h')
	opts := config.NewFlagOptions(a, ":9103")
	workers := a.Flag("workers", "How many consumer instances to run in the reconciler group.").
		Default("1").Int()
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
		Component:     "xmatch_reconciler",
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

	st, err := store.NewCouchbaseFromConfig(cfg, config.RolePipeline)
	if err != nil {
		_ = level.Error(logger).Log("status", "store_setup_failed", "error_message", err.Error())
		os.Exit(1)
	}
	defer st.Close()

	hopUser, hopPass, err := config.HopCredentials()
	if err != nil {
		_ = level.Error(logger).Log("status", "broker_credentials_missing", "error_message", err.Error())
		os.Exit(1)
	}
	hop, err := bus.NewHopskotch(bus.HopskotchOpts{
		Host:     cfg.HopHost,
		Username: hopUser,
		Password: hopPass,
	}, logger)
	if err != nil {
		_ = level.Error(logger).Log("status", "broker_setup_failed", "error_message", err.Error())
		os.Exit(1)
	}
	defer hop.Close()

	rec := xmatch.NewReconciler(xmatch.ReconcilerOpts{
		Store:       st,
		Notices:     hop,
		NoticeTopic: cfg.HopXMatchTopic,
		Pullers: map[string]survey.AlertPuller{
			schema.SurveyZTF: survey.NewFink(survey.FinkOpts{URL: cfg.Fink.URL}),
		},
		Citations: cfg.CitationsFor,
		IDWidth:   cfg.XMatchIDLen,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rec.EnsureYearCounter(ctx, time.Now().UTC().Year()); err != nil {
		_ = level.Error(logger).Log("status", "counter_bootstrap_failed", "error_message", err.Error())
		os.Exit(1)
	}

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

	// Each worker is its own member of the reconciler group; the broker
	// balances candidate partitions across them.
	if *workers < 1 {
		*workers = 1
	}
	for i := 0; i < *workers; i++ {
		cg, err := bus.NewConsumerGroup([]string{cfg.KafkaHost}, xmatch.GroupReconciler, []string{xmatch.TopicCandidates}, rec.Handler(), logger)
		if err != nil {
			_ = level.Error(logger).Log("status", "consumer_setup_failed", "worker", i, "error_message", err.Error())
			os.Exit(1)
		}
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
		_ = level.Error(logger).Log("status", "reconciler_exited", "error_message", err.Error())
		os.Exit(1)
	}
	_ = level.Info(logger).Log("status", "reconciler_exited")
}

func collectorAddr(cfg *config.Config) string {
	if cfg.LogstashHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", cfg.LogstashHost, cfg.LogstashPort)
}
