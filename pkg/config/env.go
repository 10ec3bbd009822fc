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
	"fmt"
	"os"
)

// Environment variables carrying secrets, deployment endpoints and the
// config location. Endpoints also have config.yml keys; the environment wins.
const (
	EnvConfigDir = "TARXIV_CONFIG_DIR"

	EnvCouchbaseHost         = "TARXIV_COUCHBASE_HOST"
	EnvCouchbasePipelineUser = "TARXIV_COUCHBASE_PIPELINE_USERNAME"
	EnvCouchbasePipelinePass = "TARXIV_COUCHBASE_PIPELINE_PASSWORD"
	EnvCouchbaseAPIUser      = "TARXIV_COUCHBASE_API_USERNAME"
	EnvCouchbaseAPIPass      = "TARXIV_COUCHBASE_API_PASSWORD"

	EnvKafkaHost = "TARXIV_KAFKA_HOST"

	EnvAtlasToken   = "TARXIV_ATLAS_TOKEN"
	EnvTNSAPIKey    = "TARXIV_TNS_API_KEY"
	EnvTNSID        = "TARXIV_TNS_ID"
	EnvHopUser      = "TARXIV_HOPSKOTCH_USERNAME"
	EnvHopPass      = "TARXIV_HOPSKOTCH_PASSWORD"
	EnvIMAPUsername = "TARXIV_IMAP_USERNAME"
	EnvIMAPPassword = "TARXIV_IMAP_PASSWORD"
)

// Role selects which store credentials a process runs with. The pipeline
// role can write every collection; the api role is read-only.
type Role string

const (
	RolePipeline Role = "pipeline"
	RoleAPI      Role = "api"
)

func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("environment variable %s not set", name)
	}
	return v, nil
}

// CouchbaseCredentials returns the store credentials for the given role.
func CouchbaseCredentials(role Role) (user, pass string, err error) {
	userEnv, passEnv := EnvCouchbasePipelineUser, EnvCouchbasePipelinePass
	if role == RoleAPI {
		userEnv, passEnv = EnvCouchbaseAPIUser, EnvCouchbaseAPIPass
	}
	if user, err = requireEnv(userEnv); err != nil {
		return "", "", err
	}
	if pass, err = requireEnv(passEnv); err != nil {
		return "", "", err
	}
	return user, pass, nil
}

// AtlasToken returns the ATLAS forced-photometry API token.
func AtlasToken() (string, error) {
	return requireEnv(EnvAtlasToken)
}

// TNSAPIKey returns the Transient Name Server bot key.
func TNSAPIKey() (string, error) {
	return requireEnv(EnvTNSAPIKey)
}

// HopCredentials returns the community broker SCRAM credentials.
func HopCredentials() (user, pass string, err error) {
	if user, err = requireEnv(EnvHopUser); err != nil {
		return "", "", err
	}
	if pass, err = requireEnv(EnvHopPass); err != nil {
		return "", "", err
	}
	return user, pass, nil
}

// IMAPPassword returns the alert mailbox password.
func IMAPPassword() (string, error) {
	return requireEnv(EnvIMAPPassword)
}
