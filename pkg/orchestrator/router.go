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
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/weft/pkg/types"
)

// defaultVocabulary routes common intents when no vocabulary file is
// configured. Keys are matched as lowercase substrings of the query.
var defaultVocabulary = map[string]string{
	"weather":     "weather.get",
	"forecast":    "weather.get",
	"temperature": "weather.get",
	"stock":       "stock.price",
	"share price": "stock.price",
	"ticker":      "stock.price",
	"trip":        "travel.plan",
	"travel":      "travel.plan",
	"flight":      "travel.plan",
	"itinerary":   "travel.plan",
}

// vocabularyFile is the YAML document shared by the keyword router and the
// emergency templates:
//
//	vocabulary:
//	  weather: weather.get
//	templates:
//	  llm_failure: "..."
type vocabularyFile struct {
	Vocabulary map[string]string `yaml:"vocabulary"`
	Templates  map[string]string `yaml:"templates"`
}

// RouterConfig configures the keyword router.
type RouterConfig struct {
	// Path to the optional YAML vocabulary file. When set, the file is
	// loaded at construction and hot-reloaded on change.
	Path string

	// Vocabulary seeds the keyword → capability map. Nil uses the built-in
	// default. File entries overlay the seed on every (re)load.
	Vocabulary map[string]string

	// OnTemplates receives the file's templates section on every (re)load,
	// wired to EmergencyTemplates.Update.
	OnTemplates func(map[string]string)

	Logger *zap.Logger
}

// Router is the deterministic fallback planner: a lowercase substring scan
// of the query against a keyword → capability vocabulary.
type Router struct {
	logger      *zap.Logger
	path        string
	seed        map[string]string
	onTemplates func(map[string]string)

	mu    sync.RWMutex
	vocab map[string]string

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
}

// NewRouter builds the router and, when a path is configured, loads the
// vocabulary file and starts watching it.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	seed := cfg.Vocabulary
	if seed == nil {
		seed = defaultVocabulary
	}

	r := &Router{
		logger:      cfg.Logger,
		path:        cfg.Path,
		seed:        lowercaseKeys(seed),
		onTemplates: cfg.OnTemplates,
	}
	r.vocab = r.seed

	if cfg.Path == "" {
		return r, nil
	}

	if err := r.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create vocabulary watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config managers often
	// replace the file by rename, which unregisters a file-level watch.
	if err := watcher.Add(filepath.Dir(cfg.Path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch vocabulary directory: %w", err)
	}
	r.watcher = watcher
	go r.watch()

	return r, nil
}

// Route scans the query for vocabulary keywords and returns one task per
// matched capability, in sorted keyword order so equal inputs produce equal
// plans. No match returns an empty plan.
func (r *Router) Route(query string) types.TaskPlan {
	q := strings.ToLower(query)

	r.mu.RLock()
	keywords := make([]string, 0, len(r.vocab))
	for kw := range r.vocab {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)

	seen := make(map[string]bool)
	var capabilities []string
	for _, kw := range keywords {
		if !strings.Contains(q, kw) {
			continue
		}
		capability := r.vocab[kw]
		if !seen[capability] {
			seen[capability] = true
			capabilities = append(capabilities, capability)
		}
	}
	r.mu.RUnlock()

	tasks := make([]types.TaskSpec, 0, len(capabilities))
	for i, capability := range capabilities {
		tasks = append(tasks, types.TaskSpec{
			TaskID:     fmt.Sprintf("task-%d", i+1),
			Capability: capability,
			Parameters: map[string]any{"query": query},
		})
	}
	return types.TaskPlan{Tasks: tasks}
}

// Close stops the file watcher.
func (r *Router) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}

// load reads the vocabulary file and swaps in seed + file entries, so
// removals in the file revert to the seed on reload.
func (r *Router) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return types.WrapError(types.ErrKindFatalConfig, "failed to read vocabulary file", err)
	}

	var doc vocabularyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return types.WrapError(types.ErrKindFatalConfig, "failed to parse vocabulary file", err)
	}

	merged := make(map[string]string, len(r.seed)+len(doc.Vocabulary))
	for k, v := range r.seed {
		merged[k] = v
	}
	for k, v := range doc.Vocabulary {
		if k == "" || v == "" {
			continue
		}
		merged[strings.ToLower(k)] = v
	}

	r.mu.Lock()
	r.vocab = merged
	r.mu.Unlock()

	if r.onTemplates != nil {
		r.onTemplates(doc.Templates)
	}

	r.logger.Info("vocabulary loaded",
		zap.String("path", r.path),
		zap.Int("keywords", len(merged)))
	return nil
}

func (r *Router) watch() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.load(); err != nil {
				r.logger.Warn("vocabulary reload failed", zap.Error(err))
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("vocabulary watcher error", zap.Error(err))
		}
	}
}

func lowercaseKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
