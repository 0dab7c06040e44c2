/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package plugin

import "strings"

// ciSignals are environment variables set by well-known CI systems
var ciSignals = []string{
	"CI",
	"GITHUB_ACTIONS",
	"GITLAB_CI",
	"JENKINS_URL",
	"TF_BUILD",
	"BUILDKITE",
	"CIRCLECI",
	"TRAVIS",
	"TEAMCITY_VERSION",
	"PLUGIN_CONNECTOR_HEADLESS",
}

// IsCI reports whether the environment looks like a CI or headless run
func IsCI(getenv func(string) string) bool {
	for _, key := range ciSignals {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		switch strings.ToLower(v) {
		case "0", "false", "no", "off":
			continue
		}
		return true
	}
	return false
}
