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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tarxiv/tarxiv/pkg/schema"
)

const testConfig = `
log_mode: 3
log_dir: /var/log/tarxiv
couchbase_host: couchbase://db.internal
kafka_host: kafka.internal:9092
xmatch_ingest_topic: detections
xmatch_radius: 3.0
xmatch_window_len: 24
xmatch_id_len: 6
spark_executors: 2
tns:
  url: https://www.wis-tns.org/api
  tns_id: 1234
  bot_name: tarxiv_bot
  rate_limit: 3.0
atlas:
  url: https://fallingstar-data.com/forcedphot
associated_sources:
  tns: [tns]
  atlas: [atlas, tns]
`

const testSources = `{
  "tns": {"name": "TNS", "reference": "Transient Name Server", "url": "https://www.wis-tns.org"},
  "atlas": {"name": "ATLAS", "bibcode": "2018PASP..130f4505T"}
}`

func writeConfigDir(t *testing.T, cfg, sources string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	if sources != "" {
		if err := os.WriteFile(filepath.Join(dir, "sources.json"), []byte(sources), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeConfigDir(t, testConfig, testSources)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}

	if cfg.LogMode != 3 || cfg.CouchbaseHost != "couchbase://db.internal" {
		t.Errorf("unexpected top-level values: %+v", cfg)
	}
	if cfg.XMatchRadius != 3.0 || cfg.Window() != 24*time.Hour {
		t.Errorf("xmatch settings wrong: radius %v window %v", cfg.XMatchRadius, cfg.Window())
	}
	// Defaults survive a partial file.
	if cfg.HopTNSTopic != "tarxiv.tns" || cfg.PollingInterval != 300 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.TNS.BotName != "tarxiv_bot" || cfg.TNS.BotID != 1234 {
		t.Errorf("tns block wrong: %+v", cfg.TNS)
	}

	want := []schema.Citation{
		{Name: "ATLAS", Bibcode: "2018PASP..130f4505T"},
		{Name: "TNS", Reference: "Transient Name Server", URL: "https://www.wis-tns.org"},
	}
	if diff := cmp.Diff(want, cfg.CitationsFor("atlas")); diff != "" {
		t.Errorf("CitationsFor(atlas) (-want +got):\n%s", diff)
	}
	if got := cfg.CitationsFor("ztf"); got != nil {
		t.Errorf("CitationsFor(ztf) = %v, want nil", got)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		doc     string
		cfg     string
		sources string
	}{
		{doc: "negative radius", cfg: "xmatch_radius: -1\n"},
		{doc: "zero window", cfg: "xmatch_window_len: 0\n"},
		{doc: "id length overflows uint64", cfg: "xmatch_id_len: 13\n"},
		{doc: "empty ingest topic", cfg: "xmatch_ingest_topic: \"\"\n"},
		{doc: "unknown citation id", cfg: "associated_sources:\n  tns: [nosuch]\n", sources: testSources},
		{doc: "malformed yaml", cfg: "topic: [unclosed\n"},
	}
	for _, c := range cases {
		dir := writeConfigDir(t, c.cfg, c.sources)
		if _, err := Load(dir); err == nil {
			t.Errorf("%s: Load accepted a bad config", c.doc)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Deployments configure endpoints through the environment; the literal
	// names are the published contract.
	t.Setenv("TARXIV_COUCHBASE_HOST", "couchbase://db.prod")
	t.Setenv("TARXIV_KAFKA_HOST", "kafka.prod:9092")
	t.Setenv("TARXIV_TNS_ID", "99")
	t.Setenv("TARXIV_IMAP_USERNAME", "alerts@tarxiv.org")

	dir := writeConfigDir(t, testConfig, testSources)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if cfg.CouchbaseHost != "couchbase://db.prod" {
		t.Errorf("couchbase host = %q, want env value", cfg.CouchbaseHost)
	}
	if cfg.KafkaHost != "kafka.prod:9092" {
		t.Errorf("kafka host = %q, want env value", cfg.KafkaHost)
	}
	if cfg.TNS.BotID != 99 {
		t.Errorf("tns id = %d, want env value 99", cfg.TNS.BotID)
	}
	if cfg.IMAP.User != "alerts@tarxiv.org" {
		t.Errorf("imap user = %q, want env value", cfg.IMAP.User)
	}
}

func TestLoadRejectsMalformedTNSIDEnv(t *testing.T) {
	t.Setenv("TARXIV_TNS_ID", "not-a-number")
	dir := writeConfigDir(t, testConfig, testSources)
	if _, err := Load(dir); err == nil {
		t.Fatal("Load accepted a non-numeric TNS id")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("Load succeeded without config.yml")
	}
}

func TestFlagOptionsDir(t *testing.T) {
	opts := &FlagOptions{}
	t.Setenv(EnvConfigDir, "")
	if got := opts.Dir(); got != DefaultDir {
		t.Errorf("Dir() = %q, want packaged default", got)
	}
	t.Setenv(EnvConfigDir, "/srv/tarxiv-conf")
	if got := opts.Dir(); got != "/srv/tarxiv-conf" {
		t.Errorf("Dir() = %q, want env value", got)
	}
	opts.ConfigDir = "/opt/conf"
	if got := opts.Dir(); got != "/opt/conf" {
		t.Errorf("Dir() = %q, want flag value", got)
	}
}

func TestCouchbaseCredentials(t *testing.T) {
	t.Setenv("TARXIV_COUCHBASE_PIPELINE_USERNAME", "writer")
	t.Setenv("TARXIV_COUCHBASE_PIPELINE_PASSWORD", "s3cret")
	t.Setenv(EnvCouchbaseAPIUser, "")
	t.Setenv(EnvCouchbaseAPIPass, "")

	user, pass, err := CouchbaseCredentials(RolePipeline)
	if err != nil || user != "writer" || pass != "s3cret" {
		t.Errorf("pipeline credentials = %q/%q, %v", user, pass, err)
	}
	if _, _, err := CouchbaseCredentials(RoleAPI); err == nil {
		t.Error("missing api credentials not reported")
	}
}
