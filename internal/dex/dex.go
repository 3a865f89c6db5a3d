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

// Package dex parses a Dalvik Executable (.dex) file's structure, without
// executing any bytecode, into a bucket-name -> byte-count map suitable
// for comparing two versions of the same file section by section.
//
// Header layout (little-endian), fields relevant to size accounting:
//
//	+--------+------+-------------+--------+-----------+--------------------------+--------+-----------+
//	| offset | size | field       | offset | size      | field                    | offset | field     |
//	+--------+------+-------------+--------+-----------+--------------------------+--------+-----------+
//	| 0      | 8    | magic       | 56     | 4         | string_ids_size          | 96     | class_defs_size |
//	| 36     | 4    | header_size | 60     | 4         | string_ids_off           | 100    | class_defs_off  |
//	| 40     | 4    | endian_tag  | 64     | 4         | type_ids_size            | 104    | data_size       |
//	| 44     | 4    | link_size   | 68     | 4         | type_ids_off             |        |                 |
//	| 52     | 4    | map_off     |        |           |                          |        |                 |
//	+--------+------+-------------+--------+-----------+--------------------------+--------+-----------+
//
// (proto_ids, field_ids, and method_ids occupy 72-96 but are read from the
// map list rather than the header directly.)
package dex

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed indicates a header assertion or structural offset failed
// to parse; the input is not a well-formed dex\n035 file.
var ErrMalformed = errors.New("dex: malformed file")

const (
	noIndex = 0xFFFFFFFF

	mapTypeString  = 0x0001
	mapTypeType    = 0x0002
	mapTypeProto   = 0x0003
	mapTypeField   = 0x0004
	mapTypeMethod  = 0x0005
	mapTypeClassDef = 0x0006

	classDefStride = 0x20
)

var wantMagic = [8]byte{'d', 'e', 'x', '\n', '0', '3', '5', 0}

// fixedBucketSizes maps a map-list item type to (bucket name, per-item
// size) for the buckets whose size is a flat multiple of the item count.
// Strings and protos are handled specially (see SizeMap).
var fixedBucketSizes = map[uint32]struct {
	bucket string
	size   int64
}{
	mapTypeType:    {".type", 4},
	mapTypeField:   {".field", 8},
	mapTypeMethod:  {".method", 8},
	mapTypeClassDef: {".class", 0x20},
}

// SizeMap parses data as a dex file and returns a bucket -> byte count
// map: one entry per structural bucket (.string, .type, .proto, .field,
// .method, .class, .annotation, .typelist, .data, .link, .map) plus one
// entry per source-file name declared by a class definition. The sum of
// all values equals the file's total payload size.
//
// SizeMap returns ErrMalformed if the dex magic, header size, or endian
// tag do not match the expected DEX version 035 values.
func SizeMap(data []byte) (map[string]int64, error) {
	p := &parser{data: data, sizes: make(map[string]int64)}
	if err := p.parseHeader(); err != nil {
		return nil, err
	}
	if p.mapOff != 0 {
		if err := p.walkMap(); err != nil {
			return nil, err
		}
	}
	if err := p.walkClasses(); err != nil {
		return nil, err
	}

	if _, ok := p.sizes[".field"]; ok {
		p.sizes[".field"] -= p.fieldAdjustment
	}
	if _, ok := p.sizes[".method"]; ok {
		p.sizes[".method"] -= p.methodAdjustment
	}
	p.sizes[".annotation"] = p.allAnnoSize
	p.sizes[".typelist"] = p.allTypeListSize
	p.sizes[".data"] = p.dataSize
	p.sizes[".link"] = p.linkSize

	return p.sizes, nil
}

// parser holds the mutable state threaded through a single SizeMap call:
// the flat file buffer, header fields, accumulating bucket map, and the
// offset-dedup sets for shared type lists and annotations.
type parser struct {
	data []byte

	linkSize   int64
	mapOff     uint32
	stridSize  uint32
	stridOff   uint32
	typeidSize uint32
	typeidOff  uint32
	classSize  uint32
	classOff   uint32
	dataSize   int64

	sizes map[string]int64

	typeListOffs    map[uint32]struct{}
	allTypeListSize int64

	annoOffs    map[uint32]struct{}
	allAnnoSize int64

	fieldAdjustment  int64
	methodAdjustment int64
}

func (p *parser) u32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(p.data[off : off+4])
}

func (p *parser) parseHeader() error {
	if len(p.data) < 0x70 {
		return fmt.Errorf("%w: file shorter than dex header", ErrMalformed)
	}
	if [8]byte(p.data[0:8]) != wantMagic {
		return fmt.Errorf("%w: bad magic %x", ErrMalformed, p.data[0:8])
	}

	headerSize := p.u32(36)
	endian := p.u32(40)
	if headerSize != 0x70 {
		return fmt.Errorf("%w: header_size %#x != 0x70", ErrMalformed, headerSize)
	}
	if endian != 0x12345678 {
		return fmt.Errorf("%w: endian_tag %#x != 0x12345678", ErrMalformed, endian)
	}

	p.linkSize = int64(p.u32(44))
	p.mapOff = p.u32(52)
	p.stridSize = p.u32(56)
	p.stridOff = p.u32(60)
	p.typeidSize = p.u32(64)
	p.typeidOff = p.u32(68)
	p.classSize = p.u32(96)
	p.classOff = p.u32(100)
	p.dataSize = int64(p.u32(104))

	p.typeListOffs = make(map[uint32]struct{})
	p.annoOffs = make(map[uint32]struct{})

	return nil
}

// strBytesByID returns the raw string_data_item bytes (ULEB128 size
// prefix included, NUL terminator excluded) for string id strid.
func (p *parser) strBytesByID(strid uint32) ([]byte, error) {
	if strid >= p.stridSize {
		return nil, fmt.Errorf("%w: string id %d out of range", ErrMalformed, strid)
	}
	strOff := p.u32(p.stridOff + strid*4)
	end := strOff
	for {
		if int(end) >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated string at %#x", ErrMalformed, strOff)
		}
		if p.data[end] == 0 {
			break
		}
		end++
	}
	return p.data[strOff:end], nil
}

// extractMUTF8 strips the leading ULEB128-ish size prefix (bytes with the
// high bit set, plus the terminating byte without it) from a raw
// string_data_item payload, returning the MUTF-8 content.
func extractMUTF8(s []byte) []byte {
	i := 0
	for i < len(s) && s[i]&0x80 != 0 {
		i++
	}
	if i < len(s) {
		i++
	}
	return s[i:]
}

// typeListSize returns the byte size of the type_list at off (4 +
// 2*count), or 0 if off has already been sized (shared lists are counted
// once across the whole file).
func (p *parser) typeListSize(off uint32) int64 {
	if off == 0 {
		return 0
	}
	if _, seen := p.typeListOffs[off]; seen {
		return 0
	}
	p.typeListOffs[off] = struct{}{}
	count := p.u32(off)
	return 4 + 2*int64(count)
}

func (p *parser) walkMap() error {
	mapSize := p.u32(p.mapOff)
	entriesOff := p.mapOff + 4

	for i := uint32(0); i < mapSize; i++ {
		off := entriesOff + i*12
		itemType := uint32(binary.LittleEndian.Uint16(p.data[off : off+2]))
		itemCount := p.u32(off + 4)
		itemOff := p.u32(off + 8)

		switch itemType {
		case mapTypeString:
			var size int64
			for strid := uint32(0); strid < itemCount; strid++ {
				raw, err := p.strBytesByID(strid)
				if err != nil {
					return err
				}
				strSize := int64(len(raw)) + 1
				size += 4 + strSize
				p.dataSize -= strSize
			}
			p.sizes[".string"] += size

		case mapTypeProto:
			var size int64
			for i := uint32(0); i < itemCount; i++ {
				entryOff := itemOff + i*12
				paramOff := p.u32(entryOff + 8)
				size += p.typeListSize(paramOff)
			}
			p.allTypeListSize += size
			p.dataSize -= size
			p.sizes[".proto"] += int64(itemCount) * 12

		default:
			info, ok := fixedBucketSizes[itemType]
			if !ok {
				continue
			}
			p.sizes[info.bucket] += int64(itemCount) * info.size
		}
	}

	p.sizes[".map"] = 4 + int64(mapSize)*12
	return nil
}

func (p *parser) walkClasses() error {
	for i := uint32(0); i < p.classSize; i++ {
		off := p.classOff + i*classDefStride
		typeIdx := p.u32(off)
		ifceOff := p.u32(off + 12)
		srcIdx := p.u32(off + 16)
		annoOff := p.u32(off + 20)
		cdatOff := p.u32(off + 24)
		statOff := p.u32(off + 28)
		_ = typeIdx

		// The class_def_item itself is already counted in .class from the
		// map list; size collects only what the class refers to.
		var size int64

		if ifceOff != 0 {
			ifceSize := p.typeListSize(ifceOff)
			p.allTypeListSize += ifceSize
			p.dataSize -= ifceSize
		}

		if annoOff != 0 {
			annoSize, err := p.sizeAnnotationsDirectory(annoOff)
			if err != nil {
				return err
			}
			p.allAnnoSize += annoSize
			p.dataSize -= annoSize
		}

		if cdatOff != 0 {
			classDataSize, err := p.walkClassData(cdatOff, statOff, &size)
			if err != nil {
				return err
			}
			size += classDataSize
			p.dataSize -= classDataSize
		}

		srcStr := ".class"
		if srcIdx != noIndex {
			raw, err := p.strBytesByID(srcIdx)
			if err != nil {
				return err
			}
			srcStr = string(extractMUTF8(raw))
		}
		p.sizes[srcStr] += size
	}
	return nil
}

// sizeAnnotationsDirectory sizes the annotations_directory_item at off
// (the directory header + its three offset arrays, deduped against
// already-sized annotation sets/ref-lists) plus every annotation_set_item
// and annotation_item it refers to, each counted once file-wide.
func (p *parser) sizeAnnotationsDirectory(off uint32) (int64, error) {
	orig := off

	classAnnoOff := p.u32(off)
	fieldSize := p.u32(off + 4)
	methodSize := p.u32(off + 8)
	paramSize := p.u32(off + 12)
	off += 16

	readOffs := func(n uint32) []uint32 {
		offs := make([]uint32, n)
		for i := uint32(0); i < n; i++ {
			offs[i] = p.u32(off + i*8 + 4)
		}
		off += n * 8
		return offs
	}

	fieldOffs := readOffs(fieldSize)
	methodOffs := readOffs(methodSize)
	paramOffs := readOffs(paramSize)

	size := int64(off - orig)

	if classAnnoOff != 0 {
		s, err := p.annotationSetSize(classAnnoOff)
		if err != nil {
			return 0, err
		}
		size += s
	}
	for _, o := range fieldOffs {
		s, err := p.annotationSetSize(o)
		if err != nil {
			return 0, err
		}
		size += s
	}
	for _, o := range methodOffs {
		s, err := p.annotationSetSize(o)
		if err != nil {
			return 0, err
		}
		size += s
	}
	for _, o := range paramOffs {
		s, err := p.annotationRefListSize(o)
		if err != nil {
			return 0, err
		}
		size += s
	}

	return size, nil
}

func (p *parser) annotationSetSize(off uint32) (int64, error) {
	if off == 0 {
		return 0, nil
	}
	if _, seen := p.annoOffs[off]; seen {
		return 0, nil
	}
	p.annoOffs[off] = struct{}{}

	count := p.u32(off)
	size := int64(4 + 4*count)
	for i := uint32(0); i < count; i++ {
		itemOff := p.u32(off + 4 + i*4)
		s, err := p.annotationItemSize(itemOff)
		if err != nil {
			return 0, err
		}
		size += s
	}
	return size, nil
}

func (p *parser) annotationRefListSize(off uint32) (int64, error) {
	if off == 0 {
		return 0, nil
	}
	if _, seen := p.annoOffs[off]; seen {
		return 0, nil
	}
	p.annoOffs[off] = struct{}{}

	count := p.u32(off)
	size := int64(4 + 4*count)
	for i := uint32(0); i < count; i++ {
		setOff := p.u32(off + 4 + i*4)
		s, err := p.annotationSetSize(setOff)
		if err != nil {
			return 0, err
		}
		size += s
	}
	return size, nil
}

func (p *parser) annotationItemSize(off uint32) (int64, error) {
	if _, seen := p.annoOffs[off]; seen {
		return 0, nil
	}
	p.annoOffs[off] = struct{}{}

	end, err := p.readEncodedAnnotation(off + 1)
	if err != nil {
		return 0, err
	}
	return int64(end - off), nil
}

// readEncodedAnnotation walks an encoded_annotation starting at off
// (type_idx ULEB128, size ULEB128, then size (name_idx, value) pairs) and
// returns the offset immediately past it.
func (p *parser) readEncodedAnnotation(off uint32) (uint32, error) {
	_, next, err := readULEB128(p.data, int(off))
	if err != nil {
		return 0, err
	}
	size, next, err := readULEB128(p.data, next)
	if err != nil {
		return 0, err
	}
	for i := uint32(0); i < size; i++ {
		_, next, err = readULEB128(p.data, next)
		if err != nil {
			return 0, err
		}
		next, err = p.readEncodedValue(next)
		if err != nil {
			return 0, err
		}
	}
	return uint32(next), nil
}

// readEncodedValue walks a single encoded_value starting at off (a
// value-type byte followed by type-specific content) and returns the
// offset immediately past it.
func (p *parser) readEncodedValue(off int) (int, error) {
	if off >= len(p.data) {
		return 0, fmt.Errorf("%w: encoded_value runs past end of file", ErrMalformed)
	}
	argType := p.data[off]
	off++

	switch argType {
	case 0x1C:
		return p.readEncodedArray(off)
	case 0x1D:
		n, err := p.readEncodedAnnotation(uint32(off))
		return int(n), err
	case 0x1E, 0x1F:
		return off, nil
	default:
		return off + int(argType>>5) + 1, nil
	}
}

// readEncodedArray walks an encoded_array (size ULEB128, then size
// encoded_values) starting at off and returns the offset past it.
func (p *parser) readEncodedArray(off int) (int, error) {
	size, next, err := readULEB128(p.data, off)
	if err != nil {
		return 0, err
	}
	for i := uint32(0); i < size; i++ {
		next, err = p.readEncodedValue(next)
		if err != nil {
			return 0, err
		}
	}
	return next, nil
}

var debugBytecodeArgs = map[byte]int{
	0x01: 1,
	0x02: 1,
	0x03: 3,
	0x04: 4,
	0x05: 1,
	0x06: 1,
	0x09: 1,
}

// walkClassData parses the class_data_item at cdatOff: field/method
// counts, field/method ID-diff pairs, and for each nonzero method
// code_off, the code item (and its debug-info stream, if any). It
// accumulates code+debug bytes and the static-values size into *classSize
// (added by the caller), tracks the field/method slot adjustment, and
// returns the class_data_item's own header+pair bytes (the part not
// already counted as code/debug/static-values).
func (p *parser) walkClassData(cdatOff, statOff uint32, classSize *int64) (int64, error) {
	orig := int(cdatOff)
	off := orig

	sfSize, off, err := readULEB128(p.data, off)
	if err != nil {
		return 0, err
	}
	ifSize, off, err := readULEB128(p.data, off)
	if err != nil {
		return 0, err
	}
	dmSize, off, err := readULEB128(p.data, off)
	if err != nil {
		return 0, err
	}
	vmSize, off, err := readULEB128(p.data, off)
	if err != nil {
		return 0, err
	}

	for i := uint32(0); i < sfSize+ifSize; i++ {
		_, off, err = readULEB128(p.data, off)
		if err != nil {
			return 0, err
		}
		_, off, err = readULEB128(p.data, off)
		if err != nil {
			return 0, err
		}
	}

	for i := uint32(0); i < dmSize+vmSize; i++ {
		_, off, err = readULEB128(p.data, off)
		if err != nil {
			return 0, err
		}
		_, off, err = readULEB128(p.data, off)
		if err != nil {
			return 0, err
		}
		var codeOff uint32
		codeOff, off, err = readULEB128(p.data, off)
		if err != nil {
			return 0, err
		}
		if codeOff == 0 {
			continue
		}

		codeBytes, debugBytes, err := p.walkCodeItem(codeOff)
		if err != nil {
			return 0, err
		}
		*classSize += codeBytes + debugBytes
		p.dataSize -= codeBytes + debugBytes
	}

	if statOff != 0 {
		end, err := p.readEncodedArray(int(statOff))
		if err != nil {
			return 0, err
		}
		statSize := int64(end) - int64(statOff)
		*classSize += statSize
		p.dataSize -= statSize
	}

	p.fieldAdjustment += int64(sfSize+ifSize) * 8
	*classSize += int64(sfSize+ifSize) * 8

	p.methodAdjustment += int64(dmSize+vmSize) * 8
	*classSize += int64(dmSize+vmSize) * 8

	return int64(off - orig), nil
}

// walkCodeItem parses the code_item at codeOff: header, instructions,
// try items, and catch handlers, returning the code item's total byte
// size and (if present) the debug-info stream's byte size.
func (p *parser) walkCodeItem(codeOff uint32) (codeBytes, debugBytes int64, err error) {
	origCode := codeOff

	// code_item header: registers_size, ins_size, outs_size (u16 each,
	// skipped), tries_size (u16), debug_info_off (u32), insns_size (u32).
	triesSize := binary.LittleEndian.Uint16(p.data[codeOff+6 : codeOff+8])
	debugOff := p.u32(codeOff + 8)
	insnsSize := p.u32(codeOff + 12)

	codeOff += 16 + uint32(triesSize)*8
	pad := uint32(0)
	if triesSize != 0 && insnsSize&1 != 0 {
		pad = 1
	}
	codeOff += (insnsSize + pad) * 2

	var catchListSize uint32
	off := int(codeOff)
	if triesSize != 0 {
		catchListSize, off, err = readULEB128(p.data, off)
		if err != nil {
			return 0, 0, err
		}
	}

	for j := uint32(0); j < catchListSize; j++ {
		var catchSize int32
		catchSize, off, err = readSLEB128(p.data, off)
		if err != nil {
			return 0, 0, err
		}
		n := catchSize
		if n < 0 {
			n = -n
		}
		for k := int32(0); k < n; k++ {
			_, off, err = readULEB128(p.data, off)
			if err != nil {
				return 0, 0, err
			}
			_, off, err = readULEB128(p.data, off)
			if err != nil {
				return 0, 0, err
			}
		}
		if catchSize <= 0 {
			_, off, err = readULEB128(p.data, off)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	codeBytes = int64(off) - int64(origCode)

	if debugOff == 0 {
		return codeBytes, 0, nil
	}

	origDebug := int(debugOff)
	doff := origDebug
	_, doff, err = readULEB128(p.data, doff) // line_start
	if err != nil {
		return 0, 0, err
	}
	paramSize, doff, err := readULEB128(p.data, doff)
	if err != nil {
		return 0, 0, err
	}
	for i := uint32(0); i < paramSize; i++ {
		_, doff, err = readULEB128(p.data, doff) // parameter name index (NO_INDEX-biased)
		if err != nil {
			return 0, 0, err
		}
	}

	for {
		if doff >= len(p.data) {
			return 0, 0, fmt.Errorf("%w: debug info runs past end of file", ErrMalformed)
		}
		bytecode := p.data[doff]
		doff++
		if bytecode == 0 {
			break
		}
		for n := debugBytecodeArgs[bytecode]; n > 0; n-- {
			_, doff, err = readULEB128(p.data, doff)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	debugBytes = int64(doff) - int64(origDebug)
	return codeBytes, debugBytes, nil
}
