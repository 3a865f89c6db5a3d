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
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"
)

// ErrArchive wraps failures opening or reading a zip-format archive.
var ErrArchive = errors.New("sizediff: archive")

// Differ compares two versions of the same archive member by member,
// dispatching to a registered [Handler] by file extension.
type Differ struct {
	registry *Registry
}

// NewDiffer returns a Differ with handlers registered for nested
// archives (.zip, .jar, .ja, .apk, recursed into) and .dex structural size
// maps. Callers add a handler for native shared objects (.so) with
// [Differ.SetHandler] once they know where to find the matching symbol
// files; with no handler registered, .so members fall back to a
// whole-file size comparison like any other extension.
func NewDiffer() *Differ {
	d := &Differ{registry: NewRegistry()}
	d.registry.Register("dex", dexHandler)
	for _, ext := range []string{"zip", "jar", "ja", "apk"} {
		d.registry.Register(ext, zipHandler)
	}
	return d
}

// SetHandler registers h as the handler for archive members whose
// extension (without a leading dot) is ext, replacing the default
// size-only comparison (or any previously registered handler).
func (d *Differ) SetHandler(ext string, h Handler) {
	d.registry.Register(ext, h)
}

// Diff compares the zip-format archives at aPath and bPath and returns an
// iterator over every Delta between them: members present in only one
// archive, members whose raw size changed, and (for extensions with a
// registered handler) finer-grained deltas within a member. Iteration
// stops early, without computing deltas for remaining members, if the
// loop body returns false (via break).
func (d *Differ) Diff(aPath, bPath string) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		a, err := zip.OpenReader(aPath)
		if err != nil {
			yield(Delta{}, fmt.Errorf("%w: opening %s: %w", ErrArchive, aPath, err))
			return
		}
		defer a.Close()

		b, err := zip.OpenReader(bPath)
		if err != nil {
			yield(Delta{}, fmt.Errorf("%w: opening %s: %w", ErrArchive, bPath, err))
			return
		}
		defer b.Close()

		d.diffZips(&a.Reader, &b.Reader, "", yield)
	}
}

// diffZips compares every member of a and b, prefixing each delta's name
// with prefix (used when recursing into a nested archive). It reports
// through yield and returns false as soon as yield does, so callers can
// stop an in-progress recursive walk early.
func (d *Differ) diffZips(a, b *zip.Reader, prefix string, yield func(Delta, error) bool) bool {
	aFiles := indexByName(a)
	bFiles := indexByName(b)

	// b's declared order first, then any entries present only in a, in
	// a's declared order.
	names := make([]string, 0, len(aFiles)+len(bFiles))
	seen := make(map[string]bool)
	for _, f := range b.File {
		if strings.HasSuffix(f.Name, "/") || seen[f.Name] {
			continue
		}
		names = append(names, f.Name)
		seen[f.Name] = true
	}
	for _, f := range a.File {
		if strings.HasSuffix(f.Name, "/") || seen[f.Name] {
			continue
		}
		names = append(names, f.Name)
		seen[f.Name] = true
	}

	for _, name := range names {
		af := aFiles[name]
		bf := bFiles[name]

		fullName := name
		if prefix != "" {
			fullName = prefix + "/" + name
		}

		ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
		handler, ok := d.registry.Lookup(ext)
		if !ok {
			handler = defaultHandler
		}

		deltas, err := handler(d, fullName, af, bf)
		if err != nil {
			if !yield(Delta{}, fmt.Errorf("%w: %s: %w", ErrArchive, fullName, err)) {
				return false
			}
			continue
		}
		for _, delta := range deltas {
			if !yield(delta, nil) {
				return false
			}
		}
	}

	return true
}

func indexByName(r *zip.Reader) map[string]*zip.File {
	m := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, "/") {
			continue // directory entry
		}
		m[f.Name] = f
	}
	return m
}

// readZipFile fully decompresses f into memory. Structural handlers
// (dex, nested archives, caller-registered handlers like the native
// shared object one) need random access or a second pass over the
// content; zip.File only exposes a forward-only Reader.
func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrArchive, f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrArchive, f.Name, err)
	}
	return data, nil
}

// zipHandler recurses into a nested zip-format archive (.zip, .jar, .ja,
// .apk), reusing d's registry for members inside it.
func zipHandler(d *Differ, name string, a, b *zip.File) ([]Delta, error) {
	var ar, br *zip.Reader

	if a != nil {
		data, err := readZipFile(a)
		if err != nil {
			return nil, err
		}
		ar, err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not a valid archive: %w", ErrArchive, name, err)
		}
	}
	if b != nil {
		data, err := readZipFile(b)
		if err != nil {
			return nil, err
		}
		br, err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s is not a valid archive: %w", ErrArchive, name, err)
		}
	}

	if ar == nil {
		ar = &zip.Reader{}
	}
	if br == nil {
		br = &zip.Reader{}
	}

	var deltas []Delta
	d.diffZips(ar, br, name, func(delta Delta, err error) bool {
		if err != nil {
			return true
		}
		deltas = append(deltas, delta)
		return true
	})
	return deltas, nil
}

// defaultHandler compares a and b purely by their uncompressed size,
// without reading their content. It is used for every extension with no
// registered Handler.
func defaultHandler(_ *Differ, name string, a, b *zip.File) ([]Delta, error) {
	var aSize, bSize int64
	if a != nil {
		aSize = int64(a.UncompressedSize64)
	}
	if b != nil {
		bSize = int64(b.UncompressedSize64)
	}
	if aSize == bSize {
		return nil, nil
	}
	return []Delta{{Name: name, OldSize: aSize, NewSize: bSize}}, nil
}
