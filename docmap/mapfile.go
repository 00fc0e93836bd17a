// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package docmap

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
)

// The compiled mapping layout is a sequence of entry blocks holding
// prefix-compressed docids in lexicographic order together with
// their docnos, followed by a block index and a fixed-size trailer:
//
//	mapfile := block* index trailer
//	index :=
//		nblocks: uvarint    // number of entry blocks
//		len:     uvarint*   // length of each block, in written order
//		crc32:   uint32     // IEEE crc32 of the index contents
//	trailer :=
//		indexOff: uint64    // offset of the index
//		count:    uint64    // number of entries in the mapping
//		magic:    uint64    // mapTrailerMagic
//
// Block offsets are implied by the running sum of block lengths.
const (
	mapTrailerSize = 8 + // index offset
		8 + // entry count
		8 // magic

	mapTrailerMagic = 0xd0c6a91b3c5ef247

	// mapBlockSize is the target size of a compiled mapping block.
	mapBlockSize = 1 << 12
)

// isCompiled reports whether p holds a compiled mapping, determined
// by the trailer magic.
func isCompiled(p []byte) bool {
	if len(p) < mapTrailerSize {
		return false
	}
	return order.Uint64(p[len(p)-8:]) == mapTrailerMagic
}

// Compile writes the mapping to w in its compiled form. The compiled
// form preserves docno assignment exactly: a Load of the written
// bytes yields a mapping equivalent to m.
func (m *Mapping) Compile(w io.Writer) error {
	var (
		bw    = bufio.NewWriter(w)
		data  = blockBuffer{restartInterval: defaultRestartInterval}
		lens  []int
		off   int
		uvbuf [binary.MaxVarintLen64]byte
	)
	flush := func() error {
		data.Finish()
		n, err := bw.Write(data.Bytes())
		if err != nil {
			return err
		}
		data.Reset()
		lens = append(lens, n)
		off += n
		return nil
	}
	for _, docno := range m.order {
		data.Append([]byte(m.docids[docno]), int(docno))
		if data.Len() > mapBlockSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if data.Len() > 0 {
		if err := flush(); err != nil {
			return err
		}
	}

	// Index: block lengths, followed by their checksum. The checksum
	// is computed over the serialized index contents.
	var index bytes.Buffer
	indexOff := off
	nv := binary.PutUvarint(uvbuf[:], uint64(len(lens)))
	index.Write(uvbuf[:nv])
	for _, n := range lens {
		nv = binary.PutUvarint(uvbuf[:], uint64(n))
		index.Write(uvbuf[:nv])
	}
	sum := crc32.ChecksumIEEE(index.Bytes())
	if _, err := bw.Write(index.Bytes()); err != nil {
		return err
	}
	var p [4]byte
	order.PutUint32(p[:], sum)
	if _, err := bw.Write(p[:]); err != nil {
		return err
	}

	trailer := make([]byte, mapTrailerSize)
	order.PutUint64(trailer, uint64(indexOff))
	order.PutUint64(trailer[8:], uint64(len(m.docids)))
	order.PutUint64(trailer[16:], mapTrailerMagic)
	if _, err := bw.Write(trailer); err != nil {
		return err
	}
	return bw.Flush()
}

// loadCompiled parses a compiled mapping from p, validating block
// checksums, docno density, and docid order.
func loadCompiled(p []byte) (*Mapping, error) {
	if len(p) < mapTrailerSize {
		return nil, errors.E(errors.Integrity, "compiled mapping too small")
	}
	trailer := p[len(p)-mapTrailerSize:]
	if order.Uint64(trailer[16:]) != mapTrailerMagic {
		return nil, errors.E(errors.Integrity, "wrong magic")
	}
	var (
		indexOff = int(order.Uint64(trailer))
		count    = int(order.Uint64(trailer[8:]))
	)
	if indexOff < 0 || indexOff > len(p)-mapTrailerSize-4 {
		return nil, errors.E(errors.Integrity, "corrupt index offset")
	}
	index := p[indexOff : len(p)-mapTrailerSize]
	contents, sumBytes := index[:len(index)-4], index[len(index)-4:]
	if got, want := crc32.ChecksumIEEE(contents), order.Uint32(sumBytes); got != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("invalid index checksum: expected %x, got %x", want, got))
	}
	nblocks, n := binary.Uvarint(contents)
	if n <= 0 {
		return nil, errors.E(errors.Integrity, "corrupt index")
	}
	contents = contents[n:]

	var (
		m = &Mapping{
			docids: make([]string, count),
			order:  make([]int32, 0, count),
		}
		b       block
		off     int
		lastKey string
	)
	for i := 0; i < int(nblocks); i++ {
		blen, n := binary.Uvarint(contents)
		if n <= 0 {
			return nil, errors.E(errors.Integrity, "corrupt index")
		}
		contents = contents[n:]
		if off+int(blen) > indexOff {
			return nil, errors.E(errors.Integrity, "block overruns index")
		}
		b.p = p[off : off+int(blen)]
		off += int(blen)
		if err := b.init(); err != nil {
			return nil, err
		}
		for b.Scan() {
			docno := b.Docno()
			if docno < 0 || docno >= count {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("docno %d out of range [0,%d)", docno, count))
			}
			if m.docids[docno] != "" {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("docno %d assigned twice", docno))
			}
			key := string(b.Key())
			if len(m.order) > 0 && key <= lastKey {
				return nil, errors.E(errors.Integrity, fmt.Sprintf("docid %q out of order", key))
			}
			m.docids[docno] = key
			m.order = append(m.order, int32(docno))
			lastKey = key
		}
	}
	if len(m.order) != count {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("expected %d entries, scanned %d", count, len(m.order)))
	}
	return m, nil
}
