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

package dex

import "fmt"

// readULEB128 decodes an unsigned LEB128 value from data starting at off,
// returning the value and the offset immediately past it.
func readULEB128(data []byte, off int) (uint32, int, error) {
	var val uint32
	for shift := uint(0); shift < 32; shift += 7 {
		if off >= len(data) {
			return 0, 0, fmt.Errorf("%w: ULEB128 runs past end of file", ErrMalformed)
		}
		b := data[off]
		off++
		val |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
	}
	return val, off, nil
}

// readSLEB128 decodes a signed LEB128 value, sign-extending from the
// final byte's bit 6 as dex's catch-handler-count encoding requires.
func readSLEB128(data []byte, off int) (int32, int, error) {
	var val int32
	var shift uint
	var b byte
	for {
		if off >= len(data) {
			return 0, 0, fmt.Errorf("%w: SLEB128 runs past end of file", ErrMalformed)
		}
		b = data[off]
		off++
		val |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 32 && b&0x40 != 0 {
		val |= -1 << shift
	}
	return val, off, nil
}
