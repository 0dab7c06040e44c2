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

package router

import "runtime"

// APIVersion is the protocol version announced in the version handshake
const APIVersion = "1.0.0"

// PluginVersion is the connector build version, set at build time with
// -ldflags "-X github.com/wso2/api-platform/plugin-connector/pkg/router.PluginVersion=..."
var PluginVersion = "dev"

// HostVersion identifies the runtime hosting the plugin
func HostVersion() string {
	return runtime.Version()
}

// Inbound endpoints served for the orchestration server
const (
	EndpointRunCall               = "run-call"
	EndpointListTools             = "list-tools"
	EndpointGetPrompt             = "get-prompt"
	EndpointListPrompts           = "list-prompts"
	EndpointResourceContent       = "resource-content"
	EndpointListResources         = "list-resources"
	EndpointListResourceTemplates = "list-resource-templates"
	EndpointForceDisconnect       = "force-disconnect"
)

// DispatchEndpoints are the inbound endpoints forwarded to the Dispatcher
var DispatchEndpoints = []string{
	EndpointRunCall,
	EndpointListTools,
	EndpointGetPrompt,
	EndpointListPrompts,
	EndpointResourceContent,
	EndpointListResources,
	EndpointListResourceTemplates,
}

// Outbound methods called on the orchestration server
const (
	MethodVersionHandshake    = "version-handshake"
	MethodCapabilitiesChanged = "capabilities-changed"
	MethodResourcesChanged    = "resources-changed"
	MethodOperationCompleted  = "operation-completed"
)
