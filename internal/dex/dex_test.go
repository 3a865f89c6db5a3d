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

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const noIndexU32 = 0xFFFFFFFF

// dexBuilder assembles a minimal, valid dex\n035 byte stream by hand, one
// section at a time, so tests can exercise SizeMap against known offsets
// without depending on a real d8/dx toolchain.
type dexBuilder struct {
	buf []byte
}

func (b *dexBuilder) off() uint32 { return uint32(len(b.buf)) }

func (b *dexBuilder) u8(v byte)   { b.buf = append(b.buf, v) }
func (b *dexBuilder) u16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *dexBuilder) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *dexBuilder) bytes(v []byte) { b.buf = append(b.buf, v...) }
func (b *dexBuilder) padTo(n uint32) {
	for b.off() < n {
		b.u8(0)
	}
}

// putU32At patches a uint32 written earlier, once later offsets are known.
func (b *dexBuilder) putU32At(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[off:off+4], v)
}

// uleb appends v as ULEB128, mirroring readULEB128.
func (b *dexBuilder) uleb(v uint32) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b.u8(c | 0x80)
			continue
		}
		b.u8(c)
		break
	}
}

// sleb appends v as SLEB128, mirroring readSLEB128.
func (b *dexBuilder) sleb(v int32) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			b.u8(c)
			break
		}
		b.u8(c | 0x80)
	}
}

func TestSizeMapRejectsBadHeader(t *testing.T) {
	t.Parallel()

	for name, data := range map[string][]byte{
		"too short":    make([]byte, 10),
		"bad magic":    make([]byte, 0x70),
		"bad endian":   badEndianHeader(),
		"bad hdr size": badHeaderSizeHeader(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := SizeMap(data)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("SizeMap() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func badEndianHeader() []byte {
	b := &dexBuilder{}
	b.bytes([]byte("dex\n035\x00"))
	b.padTo(36)
	b.u32(0x70)
	b.u32(0) // wrong endian tag
	b.padTo(0x70)
	return b.buf
}

func badHeaderSizeHeader() []byte {
	b := &dexBuilder{}
	b.bytes([]byte("dex\n035\x00"))
	b.padTo(36)
	b.u32(0x71) // wrong header_size
	b.u32(0x12345678)
	b.padTo(0x70)
	return b.buf
}

// buildMinimalDex constructs a dex file with one string, one type, and
// one class definition (no interfaces, annotations, class data, or
// static values), attributed entirely to the ".class" bucket.
func buildMinimalDex(t *testing.T) []byte {
	t.Helper()

	b := &dexBuilder{}

	// Header: fields patched in after section offsets are known.
	b.bytes([]byte("dex\n035\x00"))
	b.padTo(36)
	b.u32(0x70)       // header_size
	b.u32(0x12345678) // endian_tag
	b.u32(0)          // link_size
	b.u32(0)          // link_off (unread)
	b.u32(0)          // map_off, patched below
	b.u32(1)          // string_ids_size
	b.u32(0x70)       // string_ids_off
	b.u32(1)          // type_ids_size
	b.u32(0x74)       // type_ids_off
	b.padTo(72)
	b.padTo(96)
	b.u32(1) // class_defs_size
	b.u32(0) // class_defs_off, patched below
	b.u32(0) // data_size, patched below
	b.padTo(0x70)

	if b.off() != 0x70 {
		t.Fatalf("header builder drifted: off=%#x", b.off())
	}

	// string_ids: one entry, patched once the string_data_item is placed.
	stridTableOff := b.off()
	b.u32(0) // patched

	// type_ids: one entry referencing string id 0.
	typeidTableOff := b.off()
	b.u32(0)

	// class_defs: one entry.
	classDefOff := b.off()
	b.u32(0)          // class_idx (type id 0)
	b.u32(0)          // access_flags
	b.u32(noIndexU32) // superclass_idx
	b.u32(0)          // interfaces_off
	b.u32(noIndexU32) // source_file_idx
	b.u32(0)          // annotations_off
	b.u32(0)          // class_data_off
	b.u32(0)          // static_values_off

	// map_list: string_id, type_id, class_def entries.
	mapOff := b.off()
	b.u32(3)
	writeMapEntry := func(typ uint16, count, off uint32) {
		b.u16(typ)
		b.u16(0)
		b.u32(count)
		b.u32(off)
	}
	writeMapEntry(mapTypeString, 1, 0x70)
	writeMapEntry(mapTypeType, 1, typeidTableOff)
	writeMapEntry(mapTypeClassDef, 1, classDefOff)

	// string_data_item for string id 0: ULEB128(1) + 'A' + NUL.
	strDataOff := b.off()
	b.u8(0x01)
	b.u8('A')
	b.u8(0x00)

	b.putU32At(stridTableOff, strDataOff)
	b.putU32At(typeidTableOff, 0) // descriptor_idx -> string id 0
	b.putU32At(52, mapOff)        // header.map_off
	b.putU32At(100, classDefOff)  // header.class_defs_off
	b.putU32At(104, 3)            // header.data_size: just the string payload

	return b.buf
}

func TestSizeMapMinimal(t *testing.T) {
	t.Parallel()

	data := buildMinimalDex(t)

	got, err := SizeMap(data)
	if err != nil {
		t.Fatalf("SizeMap() error = %v", err)
	}

	want := map[string]int64{
		".string":     7,  // 4-byte id table entry + 3-byte string_data_item
		".type":       4,  // one type_id_item
		".class":      32, // one class_def_item, no members
		".map":        40, // 4-byte size + 3 * 12-byte entries
		".annotation": 0,
		".typelist":   0,
		".data":       0, // declared data_size (3) minus the string payload (3)
		".link":       0,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SizeMap() mismatch (-want +got):\n%s", diff)
	}
}

// buildComplexDex constructs a dex file with one class that has an
// interface, a class annotation, one static field, and one direct method
// whose code_item has a try/catch handler (with a catch-all) and a
// debug-info stream, plus a static value. It exercises the class-data,
// annotation, and code-item walks that buildMinimalDex leaves untouched.
func buildComplexDex(t *testing.T) []byte {
	t.Helper()

	b := &dexBuilder{}

	b.bytes([]byte("dex\n035\x00"))
	b.padTo(36)
	b.u32(0x70)       // header_size
	b.u32(0x12345678) // endian_tag
	b.u32(0)          // link_size
	b.u32(0)          // link_off (unused)
	b.u32(0)          // map_off, patched below
	b.u32(2)          // string_ids_size
	b.u32(0)          // string_ids_off, patched below
	b.u32(2)          // type_ids_size
	b.u32(0)          // type_ids_off, patched below
	b.padTo(96)
	b.u32(1) // class_defs_size
	b.u32(0) // class_defs_off, patched below
	b.u32(0) // data_size, patched below
	b.padTo(0x70)

	if b.off() != 0x70 {
		t.Fatalf("header builder drifted: off=%#x", b.off())
	}

	stridTableOff := b.off()
	b.u32(0) // string 0 ("A"), patched below
	b.u32(0) // string 1 ("B"), patched below

	typeidTableOff := b.off()
	b.u32(0) // type 0 descriptor -> string 0 (the class itself)
	b.u32(1) // type 1 descriptor -> string 1 (the interface)

	ifaceListOff := b.off()
	b.u32(1) // type_list.size
	b.u16(1) // type_item[0] = type 1

	annoDirOff := b.off()
	b.u32(0) // class_annotations_off, patched below
	b.u32(0) // annotated_fields_size
	b.u32(0) // annotated_methods_size
	b.u32(0) // annotated_parameters_size

	annoSetOff := b.off()
	b.u32(1) // annotation_set_item.size
	b.u32(0) // -> annotation_item, patched below

	annoItemOff := b.off()
	b.u8(0)   // visibility
	b.uleb(0) // type_idx
	b.uleb(0) // size (no elements)

	debugInfoOff := b.off()
	b.uleb(0)  // line_start
	b.uleb(0)  // parameters_size
	b.u8(0x01) // DBG_ADVANCE_PC
	b.uleb(1)  // addr_diff
	b.u8(0x00) // DBG_END_SEQUENCE

	codeItemOff := b.off()
	b.u16(0)                 // registers_size
	b.u16(0)                 // ins_size
	b.u16(0)                 // outs_size
	b.u16(1)                 // tries_size
	b.u32(debugInfoOff)      // debug_info_off
	b.u32(1)                 // insns_size
	b.bytes(make([]byte, 8)) // one try_item (contents unread by the parser)
	b.bytes(make([]byte, 4)) // 1 code unit + 1 alignment code unit (insns_size is odd)
	b.uleb(1)                // catch_handler_list.size
	b.sleb(-1)               // encoded_catch_handler.size <= 0: 1 typed pair + catch-all
	b.uleb(0)                // type_idx
	b.uleb(0)                // addr
	b.uleb(0)                // catch_all_addr

	classDataOff := b.off()
	b.uleb(1) // static_fields_size
	b.uleb(0) // instance_fields_size
	b.uleb(1) // direct_methods_size
	b.uleb(0) // virtual_methods_size
	b.uleb(1) // field_idx_diff
	b.uleb(1) // access_flags
	b.uleb(1) // method_idx_diff
	b.uleb(1) // access_flags
	b.uleb(codeItemOff) // code_off

	staticValuesOff := b.off()
	b.uleb(1)  // encoded_array.size
	b.u8(0x00) // encoded_value type byte: VALUE_BYTE, value_arg 0
	b.u8(0x00) // value byte

	classDefOff := b.off()
	b.u32(0)          // class_idx (type 0)
	b.u32(0)          // access_flags
	b.u32(noIndexU32) // superclass_idx
	b.u32(ifaceListOff)
	b.u32(noIndexU32) // source_file_idx
	b.u32(annoDirOff)
	b.u32(classDataOff)
	b.u32(staticValuesOff)

	mapOff := b.off()
	b.u32(3)
	writeMapEntry := func(typ uint16, count, off uint32) {
		b.u16(typ)
		b.u16(0)
		b.u32(count)
		b.u32(off)
	}
	writeMapEntry(mapTypeString, 2, stridTableOff)
	writeMapEntry(mapTypeType, 2, typeidTableOff)
	writeMapEntry(mapTypeClassDef, 1, classDefOff)

	strAOff := b.off()
	b.u8(0x01)
	b.u8('A')
	b.u8(0x00)
	strBOff := b.off()
	b.u8(0x01)
	b.u8('B')
	b.u8(0x00)

	b.putU32At(annoSetOff+4, annoItemOff)
	b.putU32At(annoDirOff, annoSetOff)
	b.putU32At(stridTableOff, strAOff)
	b.putU32At(stridTableOff+4, strBOff)
	b.putU32At(52, mapOff)
	b.putU32At(60, stridTableOff)
	b.putU32At(68, typeidTableOff)
	b.putU32At(100, classDefOff)
	b.putU32At(104, 90) // data_size: sum of every section walked into .data below

	return b.buf
}

func TestSizeMapComplexClass(t *testing.T) {
	t.Parallel()

	data := buildComplexDex(t)

	got, err := SizeMap(data)
	if err != nil {
		t.Fatalf("SizeMap() error = %v", err)
	}

	want := map[string]int64{
		".string":     14, // two 1-char strings: (4-byte id + 3-byte string_data_item) each
		".type":       8,  // two type_id_items
		".class":      99, // class_def_item(32) + class_data header/pairs(10) + code(33) + debug(5) + static_values(3) + field/method slot adjustment(8+8)
		".map":        40, // 4-byte size + 3 * 12-byte entries
		".annotation": 27, // annotations_directory(16) + annotation_set_item(8) + annotation_item(3)
		".typelist":   6,  // the interface's type_list
		".data":       0,  // declared data_size (90) minus every section counted above
		".link":       0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SizeMap() mismatch (-want +got):\n%s", diff)
	}
}

// TestWalkCodeItemTriesAndDebugInfo exercises the try/catch-without-a-
// catch-all branch (positive encoded_catch_handler.size) and an even
// insns_size (no alignment padding), complementing the catch-all and
// odd-insns_size case covered by buildComplexDex.
func TestWalkCodeItemTriesAndDebugInfo(t *testing.T) {
	t.Parallel()

	b := &dexBuilder{}
	b.u16(0) // registers_size
	b.u16(0) // ins_size
	b.u16(0) // outs_size
	b.u16(1) // tries_size
	b.u32(0) // debug_info_off, patched below
	b.u32(2) // insns_size (even: no alignment padding)
	b.bytes(make([]byte, 8)) // one try_item
	b.bytes(make([]byte, 4)) // 2 code units, no padding
	b.uleb(1)                // catch_handler_list.size
	b.sleb(1)                // encoded_catch_handler.size > 0: 1 typed pair, no catch-all
	b.uleb(0)                // type_idx
	b.uleb(0)                // addr

	debugInfoOff := b.off()
	b.uleb(5) // line_start
	b.uleb(1) // parameters_size
	b.uleb(0) // parameter name index
	b.u8(0x04) // opcode with a 4-ULEB128 argument list
	b.uleb(0)
	b.uleb(0)
	b.uleb(0)
	b.uleb(0)
	b.u8(0x00) // DBG_END_SEQUENCE

	b.putU32At(8, debugInfoOff)

	p := &parser{data: b.buf}
	codeBytes, debugBytes, err := p.walkCodeItem(0)
	if err != nil {
		t.Fatalf("walkCodeItem() error = %v", err)
	}
	if codeBytes != 32 {
		t.Errorf("codeBytes = %d, want 32", codeBytes)
	}
	if debugBytes != 9 {
		t.Errorf("debugBytes = %d, want 9", debugBytes)
	}
}

// TestSizeAnnotationsDirectoryFieldAndParamDedup exercises the field and
// parameter offset arrays (methodSize left at 0) and confirms an
// annotation_set_item referenced from both a field and a parameter's
// annotation_ref_list is only counted once.
func TestSizeAnnotationsDirectoryFieldAndParamDedup(t *testing.T) {
	t.Parallel()

	b := &dexBuilder{}
	b.u32(0) // class_annotations_off (none)
	b.u32(1) // annotated_fields_size
	b.u32(0) // annotated_methods_size
	b.u32(1) // annotated_parameters_size

	fieldEntryOff := b.off()
	b.u32(0) // field_idx
	b.u32(0) // annotations_off, patched below

	paramEntryOff := b.off()
	b.u32(0) // method_idx
	b.u32(0) // annotations_off, patched below

	annoSetOff := b.off()
	b.u32(1) // annotation_set_item.size
	b.u32(0) // -> annotation_item, patched below

	annoItemOff := b.off()
	b.u8(0)
	b.uleb(0)
	b.uleb(0)

	annoRefListOff := b.off()
	b.u32(1) // annotation_ref_list.size
	b.u32(annoSetOff)

	b.putU32At(fieldEntryOff+4, annoSetOff)
	b.putU32At(paramEntryOff+4, annoRefListOff)
	b.putU32At(annoSetOff+4, annoItemOff)

	p := &parser{data: b.buf, annoOffs: make(map[uint32]struct{})}
	got, err := p.sizeAnnotationsDirectory(0)
	if err != nil {
		t.Fatalf("sizeAnnotationsDirectory() error = %v", err)
	}
	if want := int64(51); got != want {
		t.Errorf("sizeAnnotationsDirectory() = %d, want %d", got, want)
	}
}

func TestTypeListSizeDedup(t *testing.T) {
	t.Parallel()

	data := make([]byte, 16)
	// Offset 0 means "no type list", so the list sits at offset 4.
	binary.LittleEndian.PutUint32(data[4:8], 2) // type_list.size = 2
	binary.LittleEndian.PutUint16(data[8:10], 0x0001)
	binary.LittleEndian.PutUint16(data[10:12], 0x0002)

	p := &parser{data: data, typeListOffs: make(map[uint32]struct{})}

	first := p.typeListSize(4)
	if want := int64(4 + 2*2); first != want {
		t.Errorf("first typeListSize() = %d, want %d", first, want)
	}

	second := p.typeListSize(4)
	if second != 0 {
		t.Errorf("second typeListSize() at same offset = %d, want 0 (deduped)", second)
	}
}

func TestExtractMUTF8(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		in   []byte
		want string
	}{
		{"ascii short", []byte{0x01, 'A'}, "A"},
		{"empty", []byte{0x00}, ""},
		{"two-byte uleb128 prefix", []byte{0x80, 0x02, 'h', 'i'}, "hi"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := string(extractMUTF8(tc.in))
			if got != tc.want {
				t.Errorf("extractMUTF8(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestReadULEB128(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		in   []byte
		want uint32
		end  int
	}{
		{"single byte", []byte{0x01}, 1, 1},
		{"two bytes", []byte{0x80, 0x01}, 0x80, 2},
		{"max shift", []byte{0xff, 0xff, 0xff, 0xff, 0x0f}, 0xFFFFFFFF, 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, end, err := readULEB128(tc.in, 0)
			if err != nil {
				t.Fatalf("readULEB128() error = %v", err)
			}
			if got != tc.want || end != tc.end {
				t.Errorf("readULEB128() = (%d, %d), want (%d, %d)", got, end, tc.want, tc.end)
			}
		})
	}
}

func TestReadSLEB128(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		in   []byte
		want int32
	}{
		{"positive", []byte{0x02}, 2},
		{"negative", []byte{0x7e}, -2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, _, err := readSLEB128(tc.in, 0)
			if err != nil {
				t.Fatalf("readSLEB128() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("readSLEB128() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestReadULEB128Truncated(t *testing.T) {
	t.Parallel()

	_, _, err := readULEB128([]byte{0x80}, 0)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("readULEB128() error = %v, want ErrMalformed", err)
	}
}
