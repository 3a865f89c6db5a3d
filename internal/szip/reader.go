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

package szip

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ianlewis/sizediff/internal/bcj"
	"github.com/klauspost/compress/flate"
)

// Reader provides random-access reads over an SZip container. It
// implements [io.Reader], [io.ReaderAt], [io.Seeker], and [io.Closer].
//
// In passthrough mode (the wrapped stream is plain ELF) every method
// forwards to the underlying stream, which [NewReader] requires to be an
// [io.ReadSeeker]; no in-memory copy is made.
type Reader struct {
	r io.ReadSeeker

	passthrough bool

	totalSize     int64
	chunkSize     int64
	lastChunkSize int64
	nChunks       int64
	dictionary    []byte
	filter        Filter
	offsets       []int64 // file offset of each chunk's compressed bytes

	buf      []byte // lazily grown decompressed buffer
	produced int64  // length of buf that has actually been decompressed
	offset   int64  // read cursor into the logical (decompressed) stream
}

// NewReader opens r as an SZip stream, reading and validating its header
// (or detecting ELF passthrough). Closing the returned [Reader] closes r
// if r implements [io.Closer].
func NewReader(r io.ReadSeeker) (*Reader, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seek: %w", errSZip, err)
	}

	magicBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return nil, fmt.Errorf("%w: reading magic: %w", errSZip, err)
	}
	magic := binary.LittleEndian.Uint32(magicBuf)

	if magic == magicELF {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: seek: %w", errSZip, err)
		}
		return &Reader{r: r, passthrough: true}, nil
	}

	if magic != magicSZip {
		return nil, ErrBadMagic
	}

	z := &Reader{r: r}
	if err := z.readHeader(); err != nil {
		return nil, err
	}
	return z, nil
}

func (z *Reader) readHeader() error {
	rest := make([]byte, headerFixedSize-4)
	if _, err := io.ReadFull(z.r, rest); err != nil {
		return fmt.Errorf("%w: reading header: %w", ErrTruncated, err)
	}

	totalSize := binary.LittleEndian.Uint32(rest[0:4])
	chunkSize := binary.LittleEndian.Uint16(rest[4:6])
	dictSize := binary.LittleEndian.Uint16(rest[6:8])
	nChunks := binary.LittleEndian.Uint32(rest[8:12])
	lastChunkSize := binary.LittleEndian.Uint16(rest[12:14])
	windowBits := int8(rest[14])
	filt := rest[15]
	_ = windowBits // informational only: raw-deflate window size is fixed by the flate implementation.

	var dictionary []byte
	if dictSize > 0 {
		dictionary = make([]byte, dictSize)
		if _, err := io.ReadFull(z.r, dictionary); err != nil {
			return fmt.Errorf("%w: reading dictionary: %w", ErrTruncated, err)
		}
	}

	offsetBuf := make([]byte, int(nChunks)*4)
	if _, err := io.ReadFull(z.r, offsetBuf); err != nil {
		return fmt.Errorf("%w: reading chunk offsets: %w", ErrTruncated, err)
	}
	offsets := make([]int64, nChunks)
	for i := range offsets {
		offsets[i] = int64(binary.LittleEndian.Uint32(offsetBuf[i*4 : i*4+4]))
	}

	z.totalSize = int64(totalSize)
	z.chunkSize = int64(chunkSize)
	z.lastChunkSize = int64(lastChunkSize)
	z.nChunks = int64(nChunks)
	z.dictionary = dictionary
	z.filter = Filter(filt)
	z.offsets = offsets

	return nil
}

// decompressedSize returns the total logical size of the stream.
func (z *Reader) decompressedSize() int64 {
	if z.nChunks == 0 {
		return 0
	}
	return (z.nChunks-1)*z.chunkSize + z.lastChunkSize
}

// Read implements [io.Reader].
func (z *Reader) Read(p []byte) (int, error) {
	if z.passthrough {
		return z.r.Read(p)
	}

	if z.offset >= z.decompressedSize() {
		return 0, io.EOF
	}

	end := z.offset + int64(len(p))
	if err := z.ensure(end); err != nil {
		return 0, err
	}

	total := z.decompressedSize()
	if end > total {
		end = total
	}

	n := copy(p, z.buf[z.offset:end])
	z.offset += int64(n)
	if z.offset >= total {
		return n, io.EOF
	}
	return n, nil
}

// ReadAt implements [io.ReaderAt].
func (z *Reader) ReadAt(p []byte, off int64) (int, error) {
	if z.passthrough {
		ra, ok := z.r.(io.ReaderAt)
		if !ok {
			return 0, fmt.Errorf("%w: underlying stream is not ReaderAt", errSZip)
		}
		return ra.ReadAt(p, off)
	}

	end := off + int64(len(p))
	if err := z.ensure(end); err != nil {
		return 0, err
	}

	total := z.decompressedSize()
	if off >= total {
		return 0, io.EOF
	}
	if end > total {
		end = total
	}

	n := copy(p, z.buf[off:end])
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// Seek implements [io.Seeker].
func (z *Reader) Seek(offset int64, whence int) (int64, error) {
	if z.passthrough {
		return z.r.Seek(offset, whence)
	}

	switch whence {
	case io.SeekStart:
		// offset is absolute.
	case io.SeekCurrent:
		offset += z.offset
	case io.SeekEnd:
		offset += z.decompressedSize()
	default:
		return 0, fmt.Errorf("%w: unsupported whence %d", errSZip, whence)
	}

	if offset < 0 {
		return 0, fmt.Errorf("%w: negative offset", errSZip)
	}

	z.offset = offset
	return z.offset, nil
}

// Seekable reports whether random-access reads are supported. SZip
// streams are always seekable; passthrough mode reports the underlying
// stream's seekability.
func (z *Reader) Seekable() bool {
	if z.passthrough {
		_, ok := z.r.(io.Seeker)
		return ok
	}
	return true
}

// Close closes the underlying stream if it implements [io.Closer]. It is
// always safe to call.
func (z *Reader) Close() error {
	if c, ok := z.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ensure decompresses chunks up to and including the one containing
// logical position end, if they have not already been produced.
func (z *Reader) ensure(end int64) error {
	total := z.decompressedSize()
	if end > total {
		end = total
	}
	if end <= z.produced {
		return nil
	}

	oldChunk := z.produced / z.chunkSize
	newChunk := (end + z.chunkSize - 1) / z.chunkSize
	newSize := min(total, newChunk*z.chunkSize)

	if int64(len(z.buf)) < newSize {
		grown := make([]byte, newSize)
		copy(grown, z.buf)
		z.buf = grown
	}

	for i := oldChunk; i < newChunk; i++ {
		if err := z.decompressChunk(i); err != nil {
			return err
		}
	}

	// BCJ-unfilter the newly produced span, not the whole buffer: chunks
	// already unfiltered on a previous call must not be refiltered.
	switch z.filter {
	case FilterThumb:
		bcj.Thumb(z.buf[:newSize], int(z.produced), int(z.chunkSize), true)
	case FilterARM:
		bcj.ARM(z.buf[:newSize], int(z.produced), int(z.chunkSize), true)
	case FilterNone:
	default:
		return fmt.Errorf("%w: unknown filter %d", errSZip, z.filter)
	}

	z.produced = newSize
	return nil
}

func (z *Reader) decompressChunk(i int64) error {
	start := z.offsets[i]
	if _, err := z.r.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seeking to chunk %d: %w", errSZip, i, err)
	}

	var src io.Reader = z.r
	if i+1 < z.nChunks {
		src = io.LimitReader(z.r, z.offsets[i+1]-start)
	}

	// Every chunk gets its own freshly constructed inflate state seeded
	// with the preset dictionary (if any); this is what makes chunks
	// independently decompressible without replaying a prefix.
	rr := flate.NewReaderDict(src, z.dictionary)
	defer rr.Close()

	chunkStart := i * z.chunkSize
	chunkLen := z.chunkSize
	if i == z.nChunks-1 {
		chunkLen = z.lastChunkSize
	}

	n, err := io.ReadFull(rr, z.buf[chunkStart:chunkStart+chunkLen])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("%w: inflating chunk %d: %w", errSZip, i, err)
	}
	if int64(n) != chunkLen {
		return fmt.Errorf("%w: inflating chunk %d: short read %d/%d", errSZip, i, n, chunkLen)
	}
	return nil
}
