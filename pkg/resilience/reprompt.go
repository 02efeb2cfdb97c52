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
package resilience

import (
	"strings"
)

const (
	// DefaultMaxRepromptAttempts bounds the planner repair loop.
	DefaultMaxRepromptAttempts = 3

	// SnippetLimit caps how much malformed output is echoed back.
	SnippetLimit = 280
)

// BuildReprompt composes the repair prompt sent after schema-invalid planner
// output: the truncated offending output, the structural rules, and the
// original request.
func BuildReprompt(originalRequest, malformedOutput, rules string) string {
	var sb strings.Builder
	sb.WriteString("Your previous reply was not a valid task plan.\n\n")
	sb.WriteString("Invalid output (truncated):\n")
	sb.WriteString(Snippet(malformedOutput, SnippetLimit))
	sb.WriteString("\n\nFollow these rules exactly:\n")
	sb.WriteString(rules)
	sb.WriteString("\n\nOriginal request:\n")
	sb.WriteString(originalRequest)
	sb.WriteString("\n\nReply with ONLY the JSON, no prose.")
	return sb.String()
}

// Snippet truncates s to at most limit runes, marking the cut with "...".
func Snippet(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
