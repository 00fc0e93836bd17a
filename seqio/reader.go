// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/s2"
)

// A Reader iterates over the entries of a container in the order
// they were appended. Readers verify the per-frame checksums and the
// finalize trailer: a stream that ends without its trailer is
// reported as an incomplete artifact via Err.
//
//	r, err := seqio.NewReader(f)
//	...
//	for r.Scan() {
//		process(r.Docno(), r.Body())
//	}
//	if err := r.Err(); err != nil {
//		...
//	}
type Reader struct {
	r    *bufio.Reader
	comp Compression

	docno int
	body  []byte
	count int64
	err   error
	done  bool

	// frame accumulates the current frame's contents for
	// checksumming.
	frame bytes.Buffer

	// Decoded block state (Block mode).
	blk     []byte
	blkRecs int
	nblocks int
	blkOrd  int
}

// NewReader returns a new Reader reading the container stream r. It
// returns an error if the stream does not begin with a valid
// container header.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{r: bufio.NewReader(r), blkOrd: -1}
	var hd [10]byte
	if _, err := io.ReadFull(rd.r, hd[:]); err != nil {
		return nil, errors.E(errors.Integrity, "seqio: short container header")
	}
	if order.Uint64(hd[:]) != containerMagic {
		return nil, errors.E(errors.Integrity, "seqio: wrong magic")
	}
	if hd[8] != containerVersion {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("seqio: unsupported container version %d", hd[8]))
	}
	rd.comp = Compression(hd[9])
	if !rd.comp.Valid() {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("seqio: invalid compression type %d", hd[9]))
	}
	if _, err := binary.ReadUvarint(rd.r); err != nil {
		return nil, errors.E(errors.Integrity, "seqio: short container header")
	}
	return rd, nil
}

// Compression returns the compression envelope of the container.
func (r *Reader) Compression() Compression { return r.comp }

// Scan scans the next entry, returning true on success. When Scan
// returns false, the caller should inspect Err to distinguish
// between completion of a finalized container and an error.
func (r *Reader) Scan() bool {
	if r.err != nil || r.done {
		return false
	}
	if r.blkRecs > 0 {
		return r.nextBlockEntry()
	}
	tag, err := r.r.ReadByte()
	if err == io.EOF {
		r.err = errors.E(errors.Integrity, "seqio: container not finalized: missing trailer")
		return false
	}
	if err != nil {
		r.err = err
		return false
	}
	switch tag {
	case tagEntry:
		return r.scanEntry()
	case tagBlock:
		return r.scanBlock() && r.nextBlockEntry()
	case tagTrailer:
		r.scanTrailer()
		return false
	default:
		r.err = errors.E(errors.Integrity, fmt.Sprintf("seqio: invalid frame tag %#x", tag))
		return false
	}
}

func (r *Reader) scanEntry() bool {
	if r.comp == Block {
		r.err = errors.E(errors.Integrity, "seqio: entry frame in block-compressed container")
		return false
	}
	r.frame.Reset()
	docno, ok := r.readUvarint()
	if !ok {
		return false
	}
	rawLen, ok := r.readUvarint()
	if !ok {
		return false
	}
	switch r.comp {
	case None:
		body, ok := r.readFull(int(rawLen))
		if !ok {
			return false
		}
		r.body = body
	case Record:
		compLen, ok := r.readUvarint()
		if !ok {
			return false
		}
		payload, ok := r.readFull(int(compLen))
		if !ok {
			return false
		}
		body, err := s2.Decode(nil, payload)
		if err != nil {
			r.err = errors.E(errors.Integrity, err)
			return false
		}
		if len(body) != int(rawLen) {
			r.err = errors.E(errors.Integrity, fmt.Sprintf("seqio: entry decompressed to %d bytes, expected %d", len(body), rawLen))
			return false
		}
		r.body = body
	}
	if !r.verifyChecksum() {
		return false
	}
	r.docno = int(docno)
	r.count++
	return true
}

func (r *Reader) scanBlock() bool {
	if r.comp != Block {
		r.err = errors.E(errors.Integrity, "seqio: block frame in non-block container")
		return false
	}
	r.frame.Reset()
	nrecs, ok := r.readUvarint()
	if !ok {
		return false
	}
	rawSize, ok := r.readUvarint()
	if !ok {
		return false
	}
	compLen, ok := r.readUvarint()
	if !ok {
		return false
	}
	payload, ok := r.readFull(int(compLen))
	if !ok {
		return false
	}
	if !r.verifyChecksum() {
		return false
	}
	blk, err := s2.Decode(nil, payload)
	if err != nil {
		r.err = errors.E(errors.Integrity, err)
		return false
	}
	if len(blk) != int(rawSize) {
		r.err = errors.E(errors.Integrity, fmt.Sprintf("seqio: block decompressed to %d bytes, expected %d", len(blk), rawSize))
		return false
	}
	if nrecs == 0 {
		r.err = errors.E(errors.Integrity, "seqio: empty block frame")
		return false
	}
	r.blk = blk
	r.blkRecs = int(nrecs)
	r.blkOrd = r.nblocks
	r.nblocks++
	return true
}

func (r *Reader) nextBlockEntry() bool {
	docno, n := binary.Uvarint(r.blk)
	if n <= 0 {
		r.err = errors.E(errors.Integrity, "seqio: corrupt block entry")
		return false
	}
	r.blk = r.blk[n:]
	rawLen, n := binary.Uvarint(r.blk)
	if n <= 0 || int(rawLen) > len(r.blk)-n {
		r.err = errors.E(errors.Integrity, "seqio: corrupt block entry")
		return false
	}
	r.blk = r.blk[n:]
	r.docno = int(docno)
	r.body = r.blk[:rawLen]
	r.blk = r.blk[rawLen:]
	r.blkRecs--
	if r.blkRecs == 0 && len(r.blk) != 0 {
		r.err = errors.E(errors.Integrity, "seqio: trailing bytes in block")
		return false
	}
	r.count++
	return true
}

func (r *Reader) scanTrailer() {
	r.frame.Reset()
	count, ok := r.readUvarint()
	if !ok {
		return
	}
	magicBytes, ok := r.readFull(8)
	if !ok {
		return
	}
	magic := order.Uint64(magicBytes)
	if !r.verifyChecksum() {
		return
	}
	if magic != containerMagic {
		r.err = errors.E(errors.Integrity, "seqio: wrong trailer magic")
		return
	}
	if int64(count) != r.count {
		r.err = errors.E(errors.Integrity, fmt.Sprintf("seqio: trailer records %d entries, scanned %d", count, r.count))
		return
	}
	if _, err := r.r.ReadByte(); err != io.EOF {
		r.err = errors.E(errors.Integrity, "seqio: data after container trailer")
		return
	}
	r.done = true
}

// Docno returns the docno of the last scanned entry.
func (r *Reader) Docno() int { return r.docno }

// Body returns the body of the last scanned entry. The returned
// slice is valid only until the next call to Scan.
func (r *Reader) Body() []byte { return r.body }

// Block returns the ordinal of the compressed block containing the
// last scanned entry, or -1 if the container is not block-compressed.
func (r *Reader) Block() int {
	if r.comp != Block {
		return -1
	}
	return r.blkOrd
}

// Err returns the error, if any, encountered while scanning. Err
// returns nil when the container was read to completion and its
// finalize trailer verified.
func (r *Reader) Err() error { return r.err }

// readUvarint reads a uvarint from the stream, accumulating its
// bytes into the current frame for checksumming.
func (r *Reader) readUvarint() (uint64, bool) {
	var (
		v     uint64
		shift uint
	)
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			r.err = errors.E(errors.Integrity, "seqio: container truncated")
			return 0, false
		}
		r.frame.WriteByte(b)
		if b < 0x80 {
			if shift >= 64 {
				r.err = errors.E(errors.Integrity, "seqio: uvarint overflow")
				return 0, false
			}
			return v | uint64(b)<<shift, true
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
		if shift >= 64 {
			r.err = errors.E(errors.Integrity, "seqio: uvarint overflow")
			return 0, false
		}
	}
}

// readFull reads n bytes from the stream into the current frame,
// returning the bytes read. The returned slice is valid until the
// frame is next reset.
func (r *Reader) readFull(n int) ([]byte, bool) {
	if n < 0 {
		r.err = errors.E(errors.Integrity, "seqio: corrupt frame length")
		return nil, false
	}
	off := r.frame.Len()
	r.frame.Grow(n)
	if _, err := io.CopyN(&r.frame, r.r, int64(n)); err != nil {
		r.err = errors.E(errors.Integrity, "seqio: container truncated")
		return nil, false
	}
	return r.frame.Bytes()[off : off+n], true
}

// verifyChecksum reads the frame's crc32 from the stream and checks
// it against the accumulated frame contents.
func (r *Reader) verifyChecksum() bool {
	var p [4]byte
	if _, err := io.ReadFull(r.r, p[:]); err != nil {
		r.err = errors.E(errors.Integrity, "seqio: container truncated")
		return false
	}
	if got, want := crc32.ChecksumIEEE(r.frame.Bytes()), order.Uint32(p[:]); got != want {
		r.err = errors.E(errors.Integrity, fmt.Sprintf("seqio: computed checksum %x but expected checksum %x", got, want))
		return false
	}
	return true
}
