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

// Package sizediff compares two versions of the same archive (an APK,
// JAR, or plain zip, optionally nested inside one another) member by
// member, descending into .dex structural size maps and, for entries a
// caller registers a handler for, native shared objects broken down by
// source file.
package sizediff

import "fmt"

// Delta is one named quantity whose size changed (or was added/removed)
// between the old and new archive. Name is slash-separated and may
// reflect a path inside a nested archive ("assets/x.zip/lib.so") or a
// sub-component of a single file ("classes.dex/.string",
// "libexample.so/src/foo.cc").
type Delta struct {
	Name             string
	OldSize, NewSize int64
}

// String renders the delta the way a human-readable size report does:
// a '-' prefix and the shrink amount if the entry got smaller, a '+'
// prefix and the growth amount otherwise.
func (d Delta) String() string {
	if d.OldSize > d.NewSize {
		return fmt.Sprintf("-%d %s", d.OldSize-d.NewSize, d.Name)
	}
	return fmt.Sprintf("+%d %s", d.NewSize-d.OldSize, d.Name)
}
