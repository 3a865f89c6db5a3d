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

// Package elfsize sizes the sections of a 32-bit little-endian
// ELF shared object, attributing whatever part of .text a caller has
// already charged to individual source files (via Breakpad symbol data)
// back out of the section total.
package elfsize

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupported indicates the file is not a 32-bit little-endian ELF,
// the only class this package's callers (native Android libraries) use.
var ErrUnsupported = errors.New("elfsize: unsupported ELF class or byte order")

// Sizes returns a section-name -> size map for every section header in
// r, allocated or not (the null section appears under "" with size 0). textAttributed bytes are subtracted from the .text section's size,
// representing bytes already accounted for against individual source
// files by a symbol file; the remainder is the portion of .text no
// symbol file line claimed.
func Sizes(r io.ReaderAt, textAttributed int64) (map[string]int64, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("elfsize: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.ByteOrder.String() != "LittleEndian" {
		return nil, ErrUnsupported
	}

	sizes := make(map[string]int64, len(f.Sections))
	for _, sec := range f.Sections {
		size := int64(sec.Size)
		if sec.Name == ".text" {
			size -= textAttributed
		}
		sizes[sec.Name] = size
	}
	return sizes, nil
}
