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

// tarxiv-api serves the read-only catalog endpoints. It connects to the
// store under the read-only role and listens on two addresses: the public
// query port and the metrics/probe port.
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

	"github.com/tarxiv/tarxiv/pkg/api"
	"github.com/tarxiv/tarxiv/pkg/config"
	"github.com/tarxiv/tarxiv/pkg/store"
	"github.com/tarxiv/tarxiv/pkg/tarxivlog"
)

func main() {
	boot := tarxivlog.Bootstrap()

	a := kingpin.New("tarxiv-api", "Read API for the tarxiv catalog.")
	a.HelpFlag.Short('h')
	opts := config.NewFlagOptions(a, ":9105")
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
		Component:     "api",
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
	api.RegisterMetrics(reg)

	if len(cfg.APITokens) == 0 {
		_ = level.Error(logger).Log("status", "config_invalid", "error_message", "api_tokens must not be empty")
		os.Exit(1)
	}
	st, err := store.NewCouchbaseFromConfig(cfg, config.RoleAPI)
	if err != nil {
		_ = level.Error(logger).Log("status", "store_setup_failed", "error_message", err.Error())
		os.Exit(1)
	}
	defer st.Close()

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
		// Query server.
		mux := http.NewServeMux()
		api.NewServer(st, cfg.APITokens, logger).Register(mux)
		server := &http.Server{Addr: cfg.APIListen, Handler: mux}
		g.Add(func() error {
			_ = level.Info(logger).Log("status", "api_server_started", "listen", cfg.APIListen)
			return server.ListenAndServe()
		}, func(error) {
			ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), time.Minute)
			defer cancelShutdown()
			if err := server.Shutdown(ctxShutdown); err != nil {
				_ = level.Error(logger).Log("status", "api_server_shutdown_failed", "error_message", err.Error())
			}
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
		_ = level.Error(logger).Log("status", "api_exited", "error_message", err.Error())
		os.Exit(1)
	}
	_ = level.Info(logger).Log("status", "api_exited")
}

func collectorAddr(cfg *config.Config) string {
	if cfg.LogstashHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", cfg.LogstashHost, cfg.LogstashPort)
}
