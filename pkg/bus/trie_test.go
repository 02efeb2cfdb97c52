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
package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"user.request", "user.request", true},
		{"user.request", "user.response", false},
		{"user.request", "user.request.extra", false},
		{"user.*", "user.request", true},
		{"user.*", "user", false},
		{"user.*", "user.request.extra", false},
		{"*.request", "user.request", true},
		{"*.request", "task.request", true},
		{"*.request", "task.request.weather", false},
		{"*", "user", true},
		{"*", "user.request", false},
		{"user.**", "user.request", true},
		{"user.**", "user.request.extra.deep", true},
		{"user.**", "user", false},
		{"**", "user", true},
		{"**", "a.b.c.d", true},
		{"task.*.weather.get", "task.request.weather.get", true},
		{"task.*.weather.get", "task.request.stock.get", false},
		{"task.request.**", "task.request.weather.get", true},
		{"task.request.**", "task.request", false},
		{"", "user.request", false},
		{"user.request", "", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.pattern, tt.topic), func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.topic))
		})
	}
}

func TestValidateTopic(t *testing.T) {
	require.NoError(t, ValidateTopic("user.request"))
	require.NoError(t, ValidateTopic("task.request.weather.get"))
	require.NoError(t, ValidateTopic("health"))

	assert.Error(t, ValidateTopic(""))
	assert.Error(t, ValidateTopic("user..request"))
	assert.Error(t, ValidateTopic(".user"))
	assert.Error(t, ValidateTopic("user."))
	assert.Error(t, ValidateTopic("user.*"))
	assert.Error(t, ValidateTopic("user.**"))
}

func TestValidatePattern(t *testing.T) {
	require.NoError(t, ValidatePattern("user.request"))
	require.NoError(t, ValidatePattern("user.*"))
	require.NoError(t, ValidatePattern("user.**"))
	require.NoError(t, ValidatePattern("**"))
	require.NoError(t, ValidatePattern("*.request"))

	assert.Error(t, ValidatePattern(""))
	assert.Error(t, ValidatePattern("user..request"))
	assert.Error(t, ValidatePattern("**.request"))
	assert.Error(t, ValidatePattern("task.**.weather"))
}

func TestTrieMatchCollectsAllPatterns(t *testing.T) {
	trie := newTrie()
	exact := &Subscription{ID: "s1", Pattern: "task.response.weather.get"}
	star := &Subscription{ID: "s2", Pattern: "task.response.*.get"}
	tail := &Subscription{ID: "s3", Pattern: "task.response.**"}
	all := &Subscription{ID: "s4", Pattern: "**"}
	other := &Subscription{ID: "s5", Pattern: "task.request.**"}

	for _, s := range []*Subscription{exact, star, tail, all, other} {
		trie.insert(s)
	}
	require.Equal(t, 5, trie.len())

	got := trie.match("task.response.weather.get")
	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"s1", "s2", "s3", "s4"}, ids)

	got = trie.match("task.response")
	ids = ids[:0]
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	// "**" requires at least one segment beyond its root.
	assert.ElementsMatch(t, []string{"s4"}, ids)
}

func TestTrieRemove(t *testing.T) {
	trie := newTrie()
	a := &Subscription{ID: "a", Pattern: "user.*"}
	b := &Subscription{ID: "b", Pattern: "user.*"}
	c := &Subscription{ID: "c", Pattern: "user.**"}
	trie.insert(a)
	trie.insert(b)
	trie.insert(c)

	require.True(t, trie.remove(a))
	assert.False(t, trie.remove(a))
	assert.Equal(t, 2, trie.len())

	got := trie.match("user.request")
	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, ids)

	require.True(t, trie.remove(c))
	got = trie.match("user.request.extra")
	assert.Empty(t, got)
}
