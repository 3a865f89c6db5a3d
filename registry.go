// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sizediff

import "archive/zip"

// Handler compares the old (a) and new (b) copy of a single archive
// member named name, returning zero or more Deltas. Either a or b is nil
// when the member exists on only one side. d is the Differ the handler
// was invoked from, for handlers (like the nested-archive handler) that
// need to recurse.
type Handler func(d *Differ, name string, a, b *zip.File) ([]Delta, error)

// Registry maps a file extension (without the leading dot) to the
// Handler that knows how to compare two members with that extension.
// Extensions with no registered handler fall back to a plain size-only
// comparison. Lookup is case-preserving: callers extracting an extension
// from a member name are responsible for any normalization.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates ext (without a leading dot) with h, replacing any
// previously registered handler for that exact extension.
func (r *Registry) Register(ext string, h Handler) {
	r.handlers[ext] = h
}

// Lookup returns the handler registered for ext, if any.
func (r *Registry) Lookup(ext string) (Handler, bool) {
	h, ok := r.handlers[ext]
	return h, ok
}
