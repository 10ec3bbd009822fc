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

// tarxiv-listener consumes one upstream alert transport and forwards
// normalized detection events onto the detection bus. The --survey flag picks
// the transport: the LSST and ZTF broker streams, or the TNS alert mailbox
// over IMAP or Gmail.
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
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarxiv/tarxiv/pkg/bus"
	"github.com/tarxiv/tarxiv/pkg/config"
	"github.com/tarxiv/tarxiv/pkg/listener"
	"github.com/tarxiv/tarxiv/pkg/survey"
	"github.com/tarxiv/tarxiv/pkg/tarxivlog"
)

func main() {
	boot := tarxivlog.Bootstrap()

	a := kingpin.New("tarxiv-listener", "Alert stream listener for the tarxiv pipeline.")
	a.HelpFlag.Short('h')
	opts := config.NewFlagOptions(a, ":9101")
	surveyName := a.Flag("survey", "Which alert transport to listen on.").
		Required().Enum("lsst", "ztf", "mail", "gmail")
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
		Component:     "listener_" + *surveyName,
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
	listener.RegisterMetrics(reg)

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
	fwd := listener.NewForwarder(producer, cfg.XMatchIngestTopic, logger)

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

	switch *surveyName {
	case "lsst":
		if err := addBrokerActor(&g, ctx, cfg.Lasair, listener.LSSTHandler(fwd), logger); err != nil {
			_ = level.Error(logger).Log("status", "listener_setup_failed", "survey", "lsst", "error_message", err.Error())
			os.Exit(1)
		}
	case "ztf":
		if err := addBrokerActor(&g, ctx, cfg.FinkBroker, listener.ZTFHandler(fwd), logger); err != nil {
			_ = level.Error(logger).Log("status", "listener_setup_failed", "survey", "ztf", "error_message", err.Error())
			os.Exit(1)
		}
	case "mail", "gmail":
		if err := addMailActor(&g, ctx, *surveyName, fwd, cfg, logger); err != nil {
			_ = level.Error(logger).Log("status", "listener_setup_failed", "survey", *surveyName, "error_message", err.Error())
			os.Exit(1)
		}
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
		_ = level.Error(logger).Log("status", "listener_exited", "error_message", err.Error())
		os.Exit(1)
	}
	_ = level.Info(logger).Log("status", "listener_exited")
}

// addBrokerActor joins an upstream Kafka stream and feeds it to a handler.
func addBrokerActor(g *run.Group, ctx context.Context, src config.KafkaSourceConfig, handler bus.Handler, logger log.Logger) error {
	if src.Host == "" || len(src.Topics) == 0 || src.GroupID == "" {
		return fmt.Errorf("broker source not fully configured (host %q, topics %v, group %q)", src.Host, src.Topics, src.GroupID)
	}
	cg, err := bus.NewConsumerGroup([]string{src.Host}, src.GroupID, src.Topics, handler, logger)
	if err != nil {
		return err
	}
	ctxConsume, cancelConsume := context.WithCancel(ctx)
	g.Add(func() error {
		return cg.Run(ctxConsume)
	}, func(error) {
		cancelConsume()
		cg.Close()
	})
	return nil
}

// addMailActor wires the mailbox poller. Names found in alert mails resolve
// through the TNS adapter so the catalog's own discoveries join the match
// window.
func addMailActor(g *run.Group, ctx context.Context, variant string, fwd *listener.Forwarder, cfg *config.Config, logger log.Logger) error {
	key, err := config.TNSAPIKey()
	if err != nil {
		return err
	}
	anchor := survey.NewTNS(survey.TNSOpts{
		URL:       cfg.TNS.URL,
		APIKey:    key,
		BotID:     cfg.TNS.BotID,
		BotName:   cfg.TNS.BotName,
		RateLimit: cfg.TNS.RateLimit,
	})
	handle := listener.TNSNamesHandler(fwd, anchor, logger)

	ctxPoll, cancelPoll := context.WithCancel(ctx)
	switch variant {
	case "mail":
		password, err := config.IMAPPassword()
		if err != nil {
			cancelPoll()
			return err
		}
		poller, err := listener.NewIMAP(listener.IMAPOpts{
			Addr:         fmt.Sprintf("%s:%d", cfg.IMAP.Host, cfg.IMAP.Port),
			Username:     cfg.IMAP.User,
			Password:     password,
			Folder:       cfg.IMAP.Folder,
			Sender:       cfg.IMAP.Sender,
			PollInterval: cfg.Polling(),
		}, logger)
		if err != nil {
			cancelPoll()
			return err
		}
		g.Add(func() error {
			return poller.Run(ctxPoll, handle)
		}, func(error) {
			cancelPoll()
		})
	case "gmail":
		poller, err := listener.NewGmail(ctx, listener.GmailOpts{
			CredentialsFile: cfg.Gmail.CredentialsFile,
			TokenFile:       cfg.Gmail.TokenFile,
			Sender:          cfg.Gmail.Sender,
			PollInterval:    cfg.Polling(),
		}, logger)
		if err != nil {
			cancelPoll()
			return err
		}
		g.Add(func() error {
			return poller.Run(ctxPoll, handle)
		}, func(error) {
			cancelPoll()
		})
	default:
		cancelPoll()
	}
	return nil
}

func collectorAddr(cfg *config.Config) string {
	if cfg.LogstashHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", cfg.LogstashHost, cfg.LogstashPort)
}
