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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teradata-labs/weft/pkg/types"
)

// capabilityNotices maps a failed capability to its user-facing notice.
var capabilityNotices = map[string]string{
	"stock.price": "Stock price data is temporarily unavailable",
	"weather.get": "Weather information is temporarily unavailable",
}

// genericNotice covers capabilities without a curated notice.
const genericNotice = "Some requested information is temporarily unavailable"

// NoticeFor returns the user-facing notice for a failed capability.
func NoticeFor(capability string) string {
	if n, ok := capabilityNotices[capability]; ok {
		return n
	}
	return genericNotice
}

// ComposePartial renders a reply from mixed task outcomes without an LLM:
// successful payloads are listed, each failure becomes a notice. Duplicate
// notices collapse. It also returns the notices for TurnResult.Errors.
func ComposePartial(results []types.TaskResult) (string, []string) {
	var facts []string
	var notices []string
	seen := make(map[string]bool)

	for _, r := range results {
		if r.Succeeded() {
			if f := renderResult(r); f != "" {
				facts = append(facts, f)
			}
			continue
		}
		n := NoticeFor(r.Capability)
		if !seen[n] {
			seen[n] = true
			notices = append(notices, n)
		}
	}

	var sb strings.Builder
	if len(facts) > 0 {
		sb.WriteString("Here is what I could find:\n")
		for _, f := range facts {
			sb.WriteString("- ")
			sb.WriteString(f)
			sb.WriteString("\n")
		}
	}
	for i, n := range notices {
		if i == 0 && sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(n)
		sb.WriteString(". ")
	}

	return strings.TrimSpace(sb.String()), notices
}

// renderResult flattens a task payload into one display line. Well-known
// text keys win; anything else is compact JSON.
func renderResult(r types.TaskResult) string {
	for _, key := range []string{"result", "answer", "text", "summary", "message"} {
		if s, ok := r.Payload[key].(string); ok && s != "" {
			return s
		}
	}
	if len(r.Payload) == 0 {
		return ""
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", r.Capability, data)
}
