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

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ianlewis/sizediff/internal/sodiff"
	"github.com/ianlewis/sizediff/internal/szip"
)

// SOHandler returns a Handler that breaks a native shared object's size
// down by source file instead of reporting one opaque total. aSym and
// bSym are Breakpad-style symbol archives (one ".sym" file per library,
// named "<library>/<debug-id>.sym"); either may be nil, in which case
// that side's bytes are attributed by ELF section only. The shared
// object itself is read through [szip.NewReader], so both a plain ELF
// and an SZip-compressed one are accepted.
func SOHandler(aSym, bSym *zip.Reader) Handler {
	return func(_ *Differ, name string, a, b *zip.File) ([]Delta, error) {
		aSide, err := soSide(aSym, name, a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		bSide, err := soSide(bSym, name, b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		entries, err := sodiff.Compare(name, aSide, bSide)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		deltas := make([]Delta, len(entries))
		for i, e := range entries {
			deltas[i] = Delta{Name: e.Name, OldSize: e.OldSize, NewSize: e.NewSize}
		}
		return deltas, nil
	}
}

// soSide decompresses f (if present) and locates its matching entry in
// symZip (if present), returning a [sodiff.Side] ready for comparison.
func soSide(symZip *zip.Reader, name string, f *zip.File) (sodiff.Side, error) {
	var side sodiff.Side
	if f == nil {
		return side, nil
	}

	data, err := readZipFile(f)
	if err != nil {
		return side, err
	}
	elf, err := szip.NewReader(bytes.NewReader(data))
	if err != nil {
		return side, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	side.ELF = elf

	if symZip != nil {
		if symFile := findSymFile(symZip, name); symFile != nil {
			rc, err := symFile.Open()
			if err != nil {
				return side, fmt.Errorf("opening symbol file for %s: %w", name, err)
			}
			defer rc.Close()

			symData, err := io.ReadAll(rc)
			if err != nil {
				return side, fmt.Errorf("reading symbol file for %s: %w", name, err)
			}
			side.Sym = bytes.NewReader(symData)
		}
	}

	return side, nil
}

// findSymFile returns the entry in symZip whose path starts with
// "<basename of name>/", or nil if there is none (including when symZip
// has no entries at all).
func findSymFile(symZip *zip.Reader, name string) *zip.File {
	basename := path.Base(name) + "/"
	for _, f := range symZip.File {
		if strings.HasPrefix(f.Name, basename) {
			return f
		}
	}
	return nil
}
