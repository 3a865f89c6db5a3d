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

// Package symfile attributes bytes of native code to source files using
// a Breakpad-style ".sym" file: a text format that interleaves FILE
// records (mapping a per-module file number to a "vcs:repo:file:commit"
// descriptor) with address/size/line/filenum records produced by walking
// a FUNC block's line table.
package symfile

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
)

// Sizes reads a Breakpad symbol stream and returns a source-file ->
// attributed-byte-count map, along with the sum of all attributed bytes
// (the portion of the binary's code the symbol file could explain).
//
// Lines that don't match either record shape (MODULE, PUBLIC, INLINE,
// FUNC headers, and anything else) are ignored.
func Sizes(r io.Reader) (sizes map[string]int64, total int64, err error) {
	sizes = make(map[string]int64)
	srcnames := make(map[string]string) // filenum -> source file path

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		if bytes.HasPrefix(line, []byte("FILE ")) {
			parts := bytes.Split(bytes.TrimSpace(line), []byte(" "))
			if len(parts) < 3 {
				continue
			}
			fileparts := bytes.Split(parts[2], []byte(":"))
			if len(fileparts) < 4 {
				continue
			}
			filenum := string(parts[1])
			srcname := string(fileparts[2])
			srcnames[filenum] = srcname
			if _, ok := sizes[srcname]; !ok {
				sizes[srcname] = 0
			}
			continue
		}

		if len(line) == 0 || !isHexDigit(line[0]) {
			continue
		}

		parts := bytes.Split(bytes.TrimSpace(line), []byte(" "))
		if len(parts) < 4 {
			continue
		}
		srcname, ok := srcnames[string(parts[3])]
		if !ok {
			continue
		}
		size, err := strconv.ParseInt(string(parts[1]), 16, 64)
		if err != nil {
			continue
		}
		sizes[srcname] += size
		total += size
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}

	return sizes, total, nil
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f')
}
