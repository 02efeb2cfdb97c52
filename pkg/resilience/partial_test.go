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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/weft/pkg/types"
)

func TestNoticeFor(t *testing.T) {
	assert.Equal(t, "Stock price data is temporarily unavailable", NoticeFor("stock.price"))
	assert.Equal(t, "Weather information is temporarily unavailable", NoticeFor("weather.get"))
	assert.Equal(t, genericNotice, NoticeFor("calendar.read"))
}

func TestComposePartialMixedOutcomes(t *testing.T) {
	results := []types.TaskResult{
		{
			TaskID:     "t1",
			Capability: "weather.get",
			Payload:    map[string]any{"result": "22C and sunny in Tokyo"},
		},
		{
			TaskID:     "t2",
			Capability: "stock.price",
			Err:        types.NewError(types.ErrKindAgentFailure, "agent crashed"),
		},
	}

	answer, notices := ComposePartial(results)

	assert.Contains(t, answer, "22C and sunny in Tokyo")
	assert.Contains(t, answer, "Stock price data is temporarily unavailable")
	require.Equal(t, []string{"Stock price data is temporarily unavailable"}, notices)
}

func TestComposePartialDedupesNotices(t *testing.T) {
	boom := types.NewError(types.ErrKindTimeout, "no response")
	results := []types.TaskResult{
		{TaskID: "t1", Capability: "stock.price", Err: boom},
		{TaskID: "t2", Capability: "stock.price", Err: boom},
		{TaskID: "t3", Capability: "calendar.read", Err: boom},
		{TaskID: "t4", Capability: "flight.search", Err: boom},
	}

	answer, notices := ComposePartial(results)

	// One stock notice, one shared generic notice.
	assert.Equal(t, []string{
		"Stock price data is temporarily unavailable",
		genericNotice,
	}, notices)
	assert.Contains(t, answer, genericNotice)
}

func TestComposePartialAllFailed(t *testing.T) {
	results := []types.TaskResult{
		{TaskID: "t1", Capability: "weather.get", Err: types.NewError(types.ErrKindCircuitOpen, "open")},
	}

	answer, notices := ComposePartial(results)
	assert.Equal(t, "Weather information is temporarily unavailable.", answer)
	assert.Len(t, notices, 1)
}

func TestComposePartialRendersJSONFallback(t *testing.T) {
	results := []types.TaskResult{
		{
			TaskID:     "t1",
			Capability: "stock.price",
			Payload:    map[string]any{"symbol": "TDC", "price": 41.5},
		},
	}

	answer, notices := ComposePartial(results)
	assert.Empty(t, notices)
	assert.Contains(t, answer, "stock.price: ")
	assert.Contains(t, answer, `"symbol":"TDC"`)
}
