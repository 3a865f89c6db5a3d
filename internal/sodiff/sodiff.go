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

// Package sodiff combines a Breakpad symbol stream ([symfile]) with an
// ELF section map ([elfsize]) to break a native shared object's size
// down by source file, and diffs that breakdown between an old and new
// version of the library.
package sodiff

import (
	"io"
	"sort"

	"github.com/ianlewis/sizediff/internal/elfsize"
	"github.com/ianlewis/sizediff/internal/symfile"
)

// Entry is one source-file-level (or, for bytes no symbol file could
// attribute, ELF-section-level) size change within a shared object.
type Entry struct {
	Name             string
	OldSize, NewSize int64
}

// Side is one version (old or new) of a shared object: its decompressed
// ELF bytes (for section sizing) and, if a matching symbol file was
// found, its Breakpad symbol stream (for per-source-file attribution).
// Sym is nil when no matching symbol file was found; both fields are nil
// when that version doesn't exist.
type Side struct {
	ELF io.ReaderAt
	Sym io.Reader
}

// sizesFor attributes a Side's bytes to source files (via its symbol
// stream, if present) and to whatever ELF sections remain unattributed.
func sizesFor(s Side) (map[string]int64, error) {
	sizes := make(map[string]int64)
	var total int64

	if s.Sym != nil {
		symSizes, symTotal, err := symfile.Sizes(s.Sym)
		if err != nil {
			return nil, err
		}
		for name, size := range symSizes {
			sizes[name] = size
		}
		total = symTotal
	}

	if s.ELF != nil {
		secSizes, err := elfsize.Sizes(s.ELF, total)
		if err != nil {
			return nil, err
		}
		for name, size := range secSizes {
			sizes[name] += size
		}
	}

	return sizes, nil
}

// Compare breaks down a and b (the old and new version of the same
// shared object, name) by source file and section, and reports every
// name whose attributed size changed. A name present only in a (deleted
// or zeroed out) is reported with NewSize 0; a name with equal old and
// new size is omitted entirely. Names present in b come first, sorted by
// name, followed by the names present only in a, sorted by name.
func Compare(name string, a, b Side) ([]Entry, error) {
	aSizes, err := sizesFor(a)
	if err != nil {
		return nil, err
	}
	bSizes, err := sizesFor(b)
	if err != nil {
		return nil, err
	}

	var entries []Entry

	bNames := make([]string, 0, len(bSizes))
	for n := range bSizes {
		bNames = append(bNames, n)
	}
	sort.Strings(bNames)

	for _, srcname := range bNames {
		bsize := bSizes[srcname]
		asize := aSizes[srcname]
		delete(aSizes, srcname)
		if asize != bsize {
			entries = append(entries, Entry{Name: name + "/" + srcname, OldSize: asize, NewSize: bsize})
		}
	}

	aNames := make([]string, 0, len(aSizes))
	for n := range aSizes {
		aNames = append(aNames, n)
	}
	sort.Strings(aNames)

	for _, srcname := range aNames {
		if asize := aSizes[srcname]; asize != 0 {
			entries = append(entries, Entry{Name: name + "/" + srcname, OldSize: asize, NewSize: 0})
		}
	}

	return entries, nil
}
