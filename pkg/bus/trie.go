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
	"strings"
	"sync"
)

// Topic pattern wildcards. "*" matches exactly one segment; "**" must be
// the final pattern segment and matches one or more remaining segments.
const (
	wildcardOne  = "*"
	wildcardTail = "**"
)

// ValidateTopic rejects topics that cannot be published: empty, containing
// empty segments, or containing wildcard characters.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic must not be empty")
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" {
			return fmt.Errorf("topic %q contains an empty segment", topic)
		}
		if seg == wildcardOne || seg == wildcardTail {
			return fmt.Errorf("topic %q contains a wildcard; wildcards are only valid in patterns", topic)
		}
	}
	return nil
}

// ValidatePattern rejects malformed subscription patterns. "**" is only
// valid as the final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "" {
			return fmt.Errorf("pattern %q contains an empty segment", pattern)
		}
		if seg == wildcardTail && i != len(segs)-1 {
			return fmt.Errorf("pattern %q uses ** before the final segment", pattern)
		}
	}
	return nil
}

// MatchPattern reports whether pattern matches topic segment-wise: literal
// equality, "*" for any one segment, trailing "**" for the non-empty
// remainder. Exposed for callers that route outside the bus (transports,
// tests).
func MatchPattern(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	psegs := strings.Split(pattern, ".")
	tsegs := strings.Split(topic, ".")
	for i, p := range psegs {
		if p == wildcardTail {
			// One or more remaining segments.
			return len(tsegs) > i
		}
		if i >= len(tsegs) {
			return false
		}
		if p != wildcardOne && p != tsegs[i] {
			return false
		}
	}
	return len(psegs) == len(tsegs)
}

// subscriptionTrie indexes subscriptions by pattern segments so a publish
// collects matching handlers in one walk instead of scanning every
// subscription. Reads take the shared lock; pattern inserts and removals
// take the exclusive lock.
type subscriptionTrie struct {
	mu   sync.RWMutex
	root *trieNode
	size int
}

type trieNode struct {
	children map[string]*trieNode
	star     *trieNode

	// terminal holds subscriptions whose pattern ends exactly at this node.
	terminal []*Subscription

	// tail holds subscriptions whose pattern ends in "**" rooted here;
	// they match any topic with at least one segment beyond this node.
	tail []*Subscription
}

func newTrie() *subscriptionTrie {
	return &subscriptionTrie{root: &trieNode{}}
}

func (t *subscriptionTrie) insert(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	segs := strings.Split(sub.Pattern, ".")
	for _, seg := range segs {
		switch seg {
		case wildcardTail:
			node.tail = append(node.tail, sub)
			t.size++
			return
		case wildcardOne:
			if node.star == nil {
				node.star = &trieNode{}
			}
			node = node.star
		default:
			if node.children == nil {
				node.children = make(map[string]*trieNode)
			}
			child, ok := node.children[seg]
			if !ok {
				child = &trieNode{}
				node.children[seg] = child
			}
			node = child
		}
	}
	node.terminal = append(node.terminal, sub)
	t.size++
}

func (t *subscriptionTrie) remove(sub *Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	segs := strings.Split(sub.Pattern, ".")
	for _, seg := range segs {
		switch seg {
		case wildcardTail:
			if removed := removeSub(&node.tail, sub); removed {
				t.size--
				return true
			}
			return false
		case wildcardOne:
			node = node.star
		default:
			node = node.children[seg]
		}
		if node == nil {
			return false
		}
	}
	if removed := removeSub(&node.terminal, sub); removed {
		t.size--
		return true
	}
	return false
}

func removeSub(subs *[]*Subscription, target *Subscription) bool {
	for i, s := range *subs {
		if s.ID == target.ID {
			*subs = append((*subs)[:i], (*subs)[i+1:]...)
			return true
		}
	}
	return false
}

// match returns every subscription whose pattern matches the topic. The
// result is a fresh slice safe to hold after the lock is released.
func (t *subscriptionTrie) match(topic string) []*Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Subscription
	t.walk(t.root, strings.Split(topic, "."), 0, &out)
	return out
}

func (t *subscriptionTrie) walk(node *trieNode, segs []string, i int, out *[]*Subscription) {
	if node == nil {
		return
	}
	// "**" needs at least one unconsumed segment.
	if i < len(segs) && len(node.tail) > 0 {
		*out = append(*out, node.tail...)
	}
	if i == len(segs) {
		*out = append(*out, node.terminal...)
		return
	}
	if node.children != nil {
		t.walk(node.children[segs[i]], segs, i+1, out)
	}
	t.walk(node.star, segs, i+1, out)
}

func (t *subscriptionTrie) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}
