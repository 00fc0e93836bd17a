// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package docmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/grailbio/base/errors"
)

const (
	maxEntryHeaderSize = binary.MaxVarintLen32 + // nshared
		binary.MaxVarintLen32 + // nunshared
		binary.MaxVarintLen64 // docno

	blockMinTrailerSize = 4 + // restart count
		4 // crc32 (IEEE) checksum of contents

	defaultRestartInterval = 16
)

var order = binary.LittleEndian

// A blockBuffer is a writable block of docid entries. Each entry
// stores a prefix-compressed docid together with its docno. Restart
// points, at which full docids are stored, are kept in an array in
// the block trailer.
type blockBuffer struct {
	bytes.Buffer

	lastKey []byte

	restartInterval int
	restarts        []int
	restartCount    int
}

// Append appends the provided entry to the block. Docids must be
// appended in lexicographic order, or else Append panics.
func (b *blockBuffer) Append(key []byte, docno int) {
	if bytes.Compare(key, b.lastKey) < 0 {
		panic("docids added out of order")
	}
	var shared int
	if b.restartCount < b.restartInterval {
		n := len(b.lastKey)
		if len(key) < n {
			n = len(key)
		}
		for shared = 0; shared < n; shared++ {
			if key[shared] != b.lastKey[shared] {
				break
			}
		}
		b.restartCount++
	} else {
		b.restartCount = 0
		b.restarts = append(b.restarts, b.Len())
	}

	if b.lastKey == nil || cap(b.lastKey) < len(key) {
		b.lastKey = make([]byte, len(key))
	} else {
		b.lastKey = b.lastKey[:len(key)]
	}
	copy(b.lastKey[shared:], key[shared:])

	var hd [maxEntryHeaderSize]byte
	var pos int
	pos += binary.PutUvarint(hd[pos:], uint64(shared))
	pos += binary.PutUvarint(hd[pos:], uint64(len(key)-shared))
	pos += binary.PutUvarint(hd[pos:], uint64(docno))

	b.Write(hd[:pos])
	b.Write(key[shared:])
}

// Finish completes the block by adding the block trailer.
func (b *blockBuffer) Finish() {
	b.Grow(4*(len(b.restarts)+1) + 4 + 4)
	var (
		pback [4]byte
		p     = pback[:]
	)
	if b.Buffer.Len() > 0 {
		// Zero is always a restart point (if the block is nonempty).
		order.PutUint32(p, 0)
		b.Write(p)
		for _, off := range b.restarts {
			order.PutUint32(p, uint32(off))
			b.Write(p)
		}
		order.PutUint32(p, uint32(len(b.restarts)+1))
	} else {
		order.PutUint32(p, 0)
	}
	b.Write(p)
	order.PutUint32(p, crc32.ChecksumIEEE(b.Bytes()))
	b.Write(p)
}

// Reset resets the contents of this block. After a call to Reset the
// blockBuffer instance may be used to write a new block.
func (b *blockBuffer) Reset() {
	b.lastKey = nil
	b.restarts = nil
	b.restartCount = 0
	b.Buffer.Reset()
}

// A block is an in-memory representation of a single block. Blocks
// maintain a current offset from which entries are scanned.
type block struct {
	p        []byte
	nrestart int

	key   []byte
	docno int
	off   int
}

// Init initializes the block from the block contents stored at b.p.
// Init returns an error if the block is malformed or corrupted.
func (b *block) init() error {
	if len(b.p) < blockMinTrailerSize {
		return errors.E(errors.Integrity, "invalid block: too small")
	}
	if got, want := crc32.ChecksumIEEE(b.p[:len(b.p)-4]), order.Uint32(b.p[len(b.p)-4:]); got != want {
		return errors.E(errors.Integrity, fmt.Sprintf("invalid block checksum: expected %x, got %x", want, got))
	}
	off := len(b.p) - blockMinTrailerSize
	b.nrestart = int(order.Uint32(b.p[off:]))
	if b.nrestart*4 > off {
		return errors.E(errors.Integrity, "corrupt block")
	}
	b.p = b.p[:off-4*b.nrestart]
	b.key = nil
	b.docno = 0
	b.off = 0
	return nil
}

// Scan reads the entry at the current position and then advances the
// block's position to the next entry. Scan returns false when the
// position is at or beyond the end of the block.
func (b *block) Scan() bool {
	if b.off >= len(b.p) {
		return false
	}
	nshared, n := binary.Uvarint(b.p[b.off:])
	b.off += n
	nunshared, n := binary.Uvarint(b.p[b.off:])
	b.off += n
	docno, n := binary.Uvarint(b.p[b.off:])
	b.off += n
	b.key = append(b.key[:nshared], b.p[b.off:b.off+int(nunshared)]...)
	b.off += int(nunshared)
	b.docno = int(docno)
	return true
}

// Key returns the docid for the last scanned entry of the block.
func (b *block) Key() []byte {
	return b.key
}

// Docno returns the docno for the last scanned entry of the block.
func (b *block) Docno() int {
	return b.docno
}
