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

// Package config loads the shared configuration directory: config.yml with
// the pipeline settings and sources.json with the citation registry. Secrets
// never live in the directory; they come from the environment (see env.go).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"

	"github.com/tarxiv/tarxiv/pkg/schema"
)

// DefaultDir is where the config directory is expected when neither the flag
// nor $TARXIV_CONFIG_DIR points elsewhere.
const DefaultDir = "/etc/tarxiv"

// TNSConfig configures the Transient Name Server adapter. The API key comes
// from the environment, not from this block.
type TNSConfig struct {
	URL       string  `yaml:"url"`
	BotID     int     `yaml:"tns_id"`
	BotName   string  `yaml:"bot_name"`
	RateLimit float64 `yaml:"rate_limit"`
}

// Endpoint is a bare service URL for adapters that need nothing else.
type Endpoint struct {
	URL string `yaml:"url"`
}

// KafkaSourceConfig describes one upstream alert stream consumed by a
// listener: broker address, topics and the consumer group to join.
type KafkaSourceConfig struct {
	Host    string   `yaml:"host"`
	Topics  []string `yaml:"topics"`
	GroupID string   `yaml:"group_id"`
}

// IMAPConfig configures the mailbox watched for TNS alert mails. The
// password comes from the environment.
type IMAPConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	Folder string `yaml:"folder"`
	Sender string `yaml:"sender"`
}

// GmailConfig configures the Gmail variant of the mail listener.
type GmailConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
	Sender          string `yaml:"sender"`
}

// Config is the parsed config.yml plus the citation registry loaded from
// sources.json in the same directory.
type Config struct {
	LogMode      int    `yaml:"log_mode"`
	LogDir       string `yaml:"log_dir"`
	LogstashHost string `yaml:"logstash_host"`
	LogstashPort int    `yaml:"logstash_port"`

	CouchbaseHost string `yaml:"couchbase_host"`
	KafkaHost     string `yaml:"kafka_host"`

	XMatchIngestTopic string  `yaml:"xmatch_ingest_topic"`
	XMatchRadius      float64 `yaml:"xmatch_radius"`
	XMatchWindowLen   int     `yaml:"xmatch_window_len"`
	XMatchIDLen       int     `yaml:"xmatch_id_len"`

	// Matcher resource settings. Only the executor count steers the Go
	// matcher (it sets the number of partition workers); the memory and core
	// figures are accepted and logged so deployments carry over unchanged.
	SparkExecutors      int    `yaml:"spark_executors"`
	SparkExecutorCores  int    `yaml:"spark_executor_cores"`
	SparkExecutorMemory string `yaml:"spark_executor_memory"`
	SparkDriverMemory   string `yaml:"spark_driver_memory"`
	CheckpointLocation  string `yaml:"checkpoint_location"`

	HopHost        string `yaml:"hop_host"`
	HopTNSTopic    string `yaml:"hop_tns_topic"`
	HopXMatchTopic string `yaml:"hop_xmatch_topic"`

	PullRadius      float64 `yaml:"pull_radius"`
	LCPriorDays     float64 `yaml:"lc_prior_days"`
	LCActiveDays    float64 `yaml:"lc_active_days"`
	PollingInterval int     `yaml:"polling_interval"`
	PipelineWorkers int     `yaml:"pipeline_workers"`
	SweepInterval   int     `yaml:"sweep_interval_hours"`

	APIListen string   `yaml:"api_listen"`
	APITokens []string `yaml:"api_tokens"`

	TNS        TNSConfig         `yaml:"tns"`
	ATLAS      Endpoint          `yaml:"atlas"`
	Fink       Endpoint          `yaml:"fink"`
	SkyPatrol  Endpoint          `yaml:"skypatrol"`
	Lasair     KafkaSourceConfig `yaml:"lasair"`
	FinkBroker KafkaSourceConfig `yaml:"fink_broker"`
	IMAP       IMAPConfig        `yaml:"imap"`
	Gmail      GmailConfig       `yaml:"gmail"`

	// AssociatedSources maps a survey name to the citation registry ids
	// attached to every value that survey contributes.
	AssociatedSources map[string][]string `yaml:"associated_sources"`

	sources map[string]schema.Citation
}

// Default returns a config with the defaults applied before config.yml is
// merged over it.
func Default() *Config {
	return &Config{
		LogMode:           1,
		LogstashPort:      5000,
		XMatchIngestTopic: "detections",
		XMatchRadius:      5.0,
		XMatchWindowLen:   48,
		XMatchIDLen:       6,
		SparkExecutors:    4,
		HopHost:           "kafka.scimma.org:9092",
		HopTNSTopic:       "tarxiv.tns",
		HopXMatchTopic:    "tarxiv.xmatch",
		PullRadius:        5.0,
		LCPriorDays:       30,
		LCActiveDays:      60,
		PollingInterval:   300,
		PipelineWorkers:   8,
		SweepInterval:     24,
		APIListen:         ":8941",
	}
}

// Load reads config.yml and sources.json from dir and validates the result.
func Load(dir string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(filepath.Join(dir, "config.yml"))
	if err != nil {
		return nil, fmt.Errorf("read config.yml: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config.yml: %w", err)
	}
	srcRaw, err := os.ReadFile(filepath.Join(dir, "sources.json"))
	switch {
	case err == nil:
		if err := json.Unmarshal(srcRaw, &cfg.sources); err != nil {
			return nil, fmt.Errorf("parse sources.json: %w", err)
		}
	case os.IsNotExist(err):
		// Components that never cite (the matcher, the API) run without a
		// registry; CitationsFor then returns nothing.
	default:
		return nil, fmt.Errorf("read sources.json: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the environment-sourced settings over config.yml. The
// file is the fallback for local runs; deployments set the variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvCouchbaseHost); v != "" {
		c.CouchbaseHost = v
	}
	if v := os.Getenv(EnvKafkaHost); v != "" {
		c.KafkaHost = v
	}
	if v := os.Getenv(EnvIMAPUsername); v != "" {
		c.IMAP.User = v
	}
	if v := os.Getenv(EnvTNSID); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvTNSID, err)
		}
		c.TNS.BotID = id
	}
	return nil
}

// Validate checks the cross-component invariants. Component-specific settings
// (broker addresses, mailbox hosts) are checked by the component that needs
// them so unused sections may stay empty.
func (c *Config) Validate() error {
	if c.XMatchRadius <= 0 {
		return fmt.Errorf("xmatch_radius must be positive, got %v", c.XMatchRadius)
	}
	if c.XMatchWindowLen <= 0 {
		return fmt.Errorf("xmatch_window_len must be positive, got %d", c.XMatchWindowLen)
	}
	// Thirteen base-36 digits overflow uint64; longer ids could never be
	// minted.
	if c.XMatchIDLen < 1 || c.XMatchIDLen > 12 {
		return fmt.Errorf("xmatch_id_len must be in [1, 12], got %d", c.XMatchIDLen)
	}
	if c.XMatchIngestTopic == "" {
		return fmt.Errorf("xmatch_ingest_topic must not be empty")
	}
	if c.SparkExecutors < 1 {
		return fmt.Errorf("spark_executors must be at least 1, got %d", c.SparkExecutors)
	}
	if c.PollingInterval < 1 {
		return fmt.Errorf("polling_interval must be at least 1 second, got %d", c.PollingInterval)
	}
	if c.PipelineWorkers < 1 {
		return fmt.Errorf("pipeline_workers must be at least 1, got %d", c.PipelineWorkers)
	}
	if c.sources != nil {
		for survey, ids := range c.AssociatedSources {
			for _, id := range ids {
				if _, ok := c.sources[id]; !ok {
					return fmt.Errorf("survey %q references unknown citation id %q", survey, id)
				}
			}
		}
	}
	return nil
}

// Window is the sliding match window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.XMatchWindowLen) * time.Hour
}

// Polling is the listener and sweep poll cadence.
func (c *Config) Polling() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}

// CitationsFor resolves a survey's associated citation records, preserving
// the order configured in associated_sources.
func (c *Config) CitationsFor(survey string) []schema.Citation {
	ids := c.AssociatedSources[survey]
	if len(ids) == 0 {
		return nil
	}
	out := make([]schema.Citation, 0, len(ids))
	for _, id := range ids {
		if cit, ok := c.sources[id]; ok {
			out = append(out, cit)
		}
	}
	return out
}

// FlagOptions holds the flags every binary shares.
type FlagOptions struct {
	ConfigDir     string
	Debug         bool
	ListenAddress string
}

// NewFlagOptions registers the shared flags on the given application.
// defaultListen is the binary's default metrics/health address.
func NewFlagOptions(a *kingpin.Application, defaultListen string) *FlagOptions {
	opts := &FlagOptions{}
	a.Flag("config.dir", fmt.Sprintf("Directory holding config.yml and sources.json (defaults to $%s, then %s).", EnvConfigDir, DefaultDir)).
		StringVar(&opts.ConfigDir)
	a.Flag("debug", "Enable debug logging.").
		BoolVar(&opts.Debug)
	a.Flag("web.listen-address", "Address to serve metrics and health probes on.").
		Default(defaultListen).StringVar(&opts.ListenAddress)
	return opts
}

// Dir resolves the configuration directory: flag, then environment, then the
// packaged default.
func (o *FlagOptions) Dir() string {
	if o.ConfigDir != "" {
		return o.ConfigDir
	}
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return DefaultDir
}
