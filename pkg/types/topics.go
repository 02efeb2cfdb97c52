// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package types

// Well-known bus topics forming the runtime's external event surface.
const (
	// TopicUserRequest carries {query, sessionId, userId} payloads.
	TopicUserRequest = "user.request"

	// TopicUserResponse carries {answer, sessionId, partial, errors}
	// payloads under the originating correlation ID.
	TopicUserResponse = "user.response"

	// TopicRegistryRegister lets remote agents register via the bus.
	TopicRegistryRegister = "registry.capability.register"

	// TopicRegistryHeartbeat lets remote agents heartbeat via the bus.
	TopicRegistryHeartbeat = "registry.heartbeat"

	// TopicRegistryEvicted announces stale-agent evictions.
	TopicRegistryEvicted = "registry.agent.evicted"
)

// TaskRequestTopic returns the dispatch topic for a capability.
func TaskRequestTopic(capability string) string {
	return "task.request." + capability
}

// TaskResponseTopic returns the response topic for a capability.
func TaskResponseTopic(capability string) string {
	return "task.response." + capability
}

// DLQTopic returns the dead-letter topic for an original topic.
func DLQTopic(topic string) string {
	return "dlq." + topic
}
