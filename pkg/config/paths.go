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

// Package config resolves weft's on-disk locations.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// GetWeftDataDir returns the weft data directory.
//
// Priority:
// 1. WEFT_DATA_DIR environment variable (if set and non-empty)
// 2. ~/.weft (default)
//
// The returned path is always absolute: a leading ~ in WEFT_DATA_DIR is
// expanded to the user's home directory and relative paths are resolved
// against the working directory.
//
// This runs during bootstrap, before the config file is loaded, to locate
// the config file itself. It therefore reads os.Getenv directly rather than
// going through viper.
func GetWeftDataDir() string {
	if dataDir := os.Getenv("WEFT_DATA_DIR"); dataDir != "" {
		return expandPath(dataDir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fall back to the working directory if home cannot be determined.
		return ".weft"
	}
	return filepath.Join(homeDir, ".weft")
}

// GetWeftSubDir returns a subdirectory within the weft data directory.
// Example: GetWeftSubDir("cache") returns ~/.weft/cache.
func GetWeftSubDir(subdir string) string {
	return filepath.Join(GetWeftDataDir(), subdir)
}

// expandPath expands ~ and resolves to an absolute path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}
