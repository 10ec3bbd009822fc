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

// tarxiv-pipeline builds catalog entries: it fuses every survey's view of an
// object into one metadata document and light curve. It runs in one of three
// modes: a one-shot build of a single object, a mailbox watcher that builds
// every object named in alert mails, or the periodic sweep that rebuilds
// recently active objects.
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
	"github.com/tarxiv/tarxiv/pkg/lightcurve"
	"github.com/tarxiv/tarxiv/pkg/listener"
	"github.com/tarxiv/tarxiv/pkg/store"
	"github.com/tarxiv/tarxiv/pkg/survey"
	"github.com/tarxiv/tarxiv/pkg/tarxivlog"
)

func main() {
	boot := tarxivlog.Bootstrap()

	a := kingpin.New("tarxiv-pipeline", "Object fusion pipeline for the tarxiv catalog.")
	a.HelpFlag.Short('h')
	opts := config.NewFlagOptions(a, ":9104")
	objectName := a.Flag("object", "Build this one object and exit.").String()
	mailMode := a.Flag("mail", "Watch the alert mailbox and build every named object.").Bool()
	useGmail := a.Flag("gmail", "Use the Gmail API instead of IMAP in mail mode.").Bool()
	sweepMode := a.Flag("sweep", "Periodically rebuild recently active objects.").Bool()
	sweepAll := a.Flag("all", "With --sweep, rebuild the whole catalog instead of active objects.").Bool()
	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(boot).Log("status", "flag_parse_failed", "error_message", err.Error())
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	modes := 0
	for _, on := range []bool{*objectName != "", *mailMode, *sweepMode} {
		if on {
			modes++
		}
	}
	if modes != 1 {
		_ = level.Error(boot).Log("status", "flag_parse_failed", "error_message", "exactly one of --object, --mail, --sweep is required")
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
		Component:     "pipeline",
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
	lightcurve.RegisterMetrics(reg)
	listener.RegisterMetrics(reg)

	anchor, secondaries, err := buildSurveys(cfg)
	if err != nil {
		_ = level.Error(logger).Log("status", "survey_setup_failed", "error_message", err.Error())
		os.Exit(1)
	}

	st, err := store.NewCouchbaseFromConfig(cfg, config.RolePipeline)
	if err != nil {
		_ = level.Error(logger).Log("status", "store_setup_failed", "error_message", err.Error())
		os.Exit(1)
	}
	defer st.Close()

	builderOpts := lightcurve.BuilderOpts{
		Anchor:       anchor,
		Secondaries:  secondaries,
		Store:        st,
		NoticeTopic:  cfg.HopTNSTopic,
		Citations:    cfg.CitationsFor,
		RadiusArcsec: cfg.PullRadius,
		PriorDays:    cfg.LCPriorDays,
		ActiveDays:   cfg.LCActiveDays,
		Workers:      cfg.PipelineWorkers,
		Logger:       logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One-shot builds publish nothing; subscribers hear about the object when
	// the watching pipeline rebuilds it.
	if *objectName != "" {
		builder := lightcurve.NewBuilder(builderOpts)
		meta, lc, summary, err := builder.BuildObject(ctx, *objectName)
		if err != nil {
			_ = level.Error(logger).Log("status", "object_build_failed", "obj_name", *objectName, "error_message", err.Error())
			os.Exit(1)
		}
		_ = level.Info(logger).Log(
			"status", "object_built",
			"obj_name", *objectName,
			"identifiers", len(meta.Identifiers),
			"lc_rows", len(lc),
			"summary_status", summary.Status,
			"changed_fields", len(summary.Changed),
		)
		return
	}

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
	builderOpts.Notices = hop
	builder := lightcurve.NewBuilder(builderOpts)

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

	switch {
	case *mailMode:
		if err := addMailActor(&g, ctx, *useGmail, builder, cfg, logger); err != nil {
			_ = level.Error(logger).Log("status", "mail_setup_failed", "error_message", err.Error())
			os.Exit(1)
		}
	case *sweepMode:
		ctxSweep, cancelSweep := context.WithCancel(ctx)
		g.Add(func() error {
			return builder.RunSweeps(ctxSweep, time.Duration(cfg.SweepInterval)*time.Hour, *sweepAll)
		}, func(error) {
			cancelSweep()
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
		_ = level.Error(logger).Log("status", "pipeline_exited", "error_message", err.Error())
		os.Exit(1)
	}
	_ = level.Info(logger).Log("status", "pipeline_exited")
}

// buildSurveys wires the anchor catalog and the secondary photometry pulls.
// Secondary order fixes merge precedence.
func buildSurveys(cfg *config.Config) (survey.Survey, []survey.Survey, error) {
	tnsKey, err := config.TNSAPIKey()
	if err != nil {
		return nil, nil, err
	}
	atlasToken, err := config.AtlasToken()
	if err != nil {
		return nil, nil, err
	}
	anchor := survey.NewTNS(survey.TNSOpts{
		URL:       cfg.TNS.URL,
		APIKey:    tnsKey,
		BotID:     cfg.TNS.BotID,
		BotName:   cfg.TNS.BotName,
		RateLimit: cfg.TNS.RateLimit,
	})
	secondaries := []survey.Survey{
		survey.NewATLAS(survey.ATLASOpts{URL: cfg.ATLAS.URL, Token: atlasToken}),
		survey.NewFink(survey.FinkOpts{URL: cfg.Fink.URL}),
		survey.NewSkyPatrol(survey.SkyPatrolOpts{URL: cfg.SkyPatrol.URL}),
	}
	return anchor, secondaries, nil
}

// addMailActor watches the alert mailbox and feeds the parsed names into the
// builder.
func addMailActor(g *run.Group, ctx context.Context, useGmail bool, builder *lightcurve.Builder, cfg *config.Config, logger log.Logger) error {
	handle := listener.MailHandler(builder.HandleNames)
	ctxPoll, cancelPoll := context.WithCancel(ctx)
	if useGmail {
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
		return nil
	}
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
	return nil
}

func collectorAddr(cfg *config.Config) string {
	if cfg.LogstashHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", cfg.LogstashHost, cfg.LogstashPort)
}
