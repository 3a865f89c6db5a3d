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

// Package szip implements a reader for the SZip container: a chunked,
// seekable deflate stream with an optional preset dictionary and an
// optional reversible BCJ filter, used to store native shared-object
// payloads in a randomly-accessible, compressible form. A stream whose
// first four bytes are the ELF magic is read through unchanged
// (passthrough mode).
//
// Layout (little-endian), when not in passthrough mode:
//
//	+--------+-----------+-----------+----------+---------+--------------+------------+--------+------------------+------------------------+
//	| magic  | totalSize | chunkSize | dictSize | nChunks | lastChunkSize| windowBits | filter | dictionary[dictSize] | offsets[nChunks] u32 |
//	| u32    | u32       | u16       | u16      | u32     | u16          | i8         | u8     |                       |                       |
//	+--------+-----------+-----------+----------+---------+--------------+------------+--------+------------------+------------------------+
//
// offsets[i] is the file offset of chunk i's compressed bytes. Each chunk
// decompresses independently of the others: a fresh inflate state, seeded
// with the preset dictionary (if any), is used for every chunk. This is
// what makes random-access reads possible without replaying a prefix.
// [Reader] still inflates chunks in order: a read ending in chunk i
// inflates every not-yet-inflated chunk up to i, including chunks before
// the read's start.
package szip

import (
	"errors"
	"fmt"
)

// Filter identifies the BCJ filter (if any) applied to the decompressed
// stream before storage.
type Filter byte

const (
	// FilterNone indicates no BCJ filter was applied.
	FilterNone Filter = 0

	// FilterThumb indicates the Thumb-BCJ filter was applied.
	FilterThumb Filter = 1

	// FilterARM indicates the ARM-BCJ filter was applied.
	FilterARM Filter = 2
)

const (
	// magicSZip is the SZip container magic, 'SeZz' little-endian.
	magicSZip uint32 = 0x7a5a6553

	// magicELF is the ELF magic; its presence in place of magicSZip
	// triggers passthrough mode.
	magicELF uint32 = 0x464c457f

	// headerFixedSize is the size in bytes of the fixed-layout portion of
	// the SZip header, before the dictionary and offsets table.
	headerFixedSize = 4 + 4 + 2 + 2 + 4 + 2 + 1 + 1
)

// errSZip is the base sentinel for all szip package errors.
var errSZip = errors.New("szip")

// ErrBadMagic indicates the stream begins with neither the SZip nor the
// ELF magic number.
var ErrBadMagic = fmt.Errorf("%w: unrecognized magic", errSZip)

// ErrTruncated indicates the stream ended before the declared header or
// chunk data could be fully read.
var ErrTruncated = fmt.Errorf("%w: truncated stream", errSZip)
