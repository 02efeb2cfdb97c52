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

// Package blob defines the content-addressed blob storage port used by the
// response cache and conversation memory, plus the shipped bindings:
// in-memory, local filesystem, SQLite, and Redis.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Read when the key has no blob.
var ErrNotFound = errors.New("blob not found")

// Store is the blob storage port. Keys are slash-separated namespaced
// strings ("cache/<fingerprint>", "session/<id>"); values are opaque bytes.
// Implementations must be safe for concurrent use.
type Store interface {
	// Read returns the blob for key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores data under key, replacing any existing blob.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes the blob for key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// ValidateKey rejects empty keys and path escapes before they reach a
// backend.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("blob key must not be empty")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("blob key %q contains an invalid path segment", key)
		}
	}
	return nil
}
