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

// The container layout is a fixed header followed by a sequence of
// tagged frames:
//
//	container := header frame* trailer
//	header :=
//		magic:       uint64  // containerMagic
//		version:     uint8   // containerVersion
//		compression: uint8   // None, Record, or Block
//		blockSize:   uvarint // block threshold (block mode)
//	frame := tag contents crc32
//	entry frame (tag 0x01, modes None and Record) :=
//		docno: uvarint
//		..... // see writer for per-mode body framing
//	block frame (tag 0x02, mode Block) :=
//		nrecords: uvarint
//		rawsize:  uvarint
//		payload:  compressed concatenation of raw entries
//	trailer frame (tag 0x03) :=
//		count: uvarint // total entries in the container
//		magic: uint64  // containerMagic again; the finalize marker
//
// The crc32 (IEEE) covers the frame contents, excluding the tag. A
// container whose stream ends without a trailer frame was not
// finalized and is reported as incomplete by the Reader.
const (
	containerMagic   = 0xa217d7b94f3c6e02
	containerVersion = 1

	tagEntry   = 0x01
	tagBlock   = 0x02
	tagTrailer = 0x03
)

var order = binary.LittleEndian

// WriterOpts configures a container Writer.
type WriterOpts struct {
	// Compression selects the container's compression envelope.
	Compression Compression
	// BlockSize overrides DefaultBlockSize as the uncompressed byte
	// threshold at which blocks are sealed. It is consulted only in
	// Block mode.
	BlockSize int
}

// A Writer appends (docno, body) entries to a container in arrival
// order. Writers must be closed to finalize the container; a
// container missing its finalize trailer is rejected by the Reader.
// The Writer does not close the underlying io.Writer.
type Writer struct {
	w    *bufio.Writer
	opts WriterOpts

	count   int64
	blk     bytes.Buffer
	blkRecs int
	scratch bytes.Buffer
	uv      [binary.MaxVarintLen64]byte
	closed  bool
	err     error
}

// NewWriter returns a new Writer that writes a container to w using
// the provided options. The container header is written immediately.
func NewWriter(w io.Writer, opts WriterOpts) (*Writer, error) {
	if !opts.Compression.Valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("seqio: invalid compression type %d", opts.Compression))
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	wr := &Writer{w: bufio.NewWriter(w), opts: opts}
	var hd [10]byte
	order.PutUint64(hd[:], containerMagic)
	hd[8] = containerVersion
	hd[9] = byte(opts.Compression)
	if _, err := wr.w.Write(hd[:]); err != nil {
		return nil, err
	}
	n := binary.PutUvarint(wr.uv[:], uint64(opts.BlockSize))
	if _, err := wr.w.Write(wr.uv[:n]); err != nil {
		return nil, err
	}
	return wr, nil
}

// Append appends an entry to the container. Entries are retrievable
// in exactly the order they were appended. Append retains no
// reference to body.
func (w *Writer) Append(docno int, body []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return errors.E(errors.Invalid, "seqio: append to closed writer")
	}
	if docno < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("seqio: negative docno %d", docno))
	}
	switch w.opts.Compression {
	case None:
		w.scratch.Reset()
		w.putUvarint(&w.scratch, uint64(docno))
		w.putUvarint(&w.scratch, uint64(len(body)))
		w.scratch.Write(body)
		w.err = w.writeFrame(tagEntry, w.scratch.Bytes())
	case Record:
		payload := s2.Encode(nil, body)
		w.scratch.Reset()
		w.putUvarint(&w.scratch, uint64(docno))
		w.putUvarint(&w.scratch, uint64(len(body)))
		w.putUvarint(&w.scratch, uint64(len(payload)))
		w.scratch.Write(payload)
		w.err = w.writeFrame(tagEntry, w.scratch.Bytes())
	case Block:
		w.putUvarint(&w.blk, uint64(docno))
		w.putUvarint(&w.blk, uint64(len(body)))
		w.blk.Write(body)
		w.blkRecs++
		// Block boundaries depend only on the accumulated uncompressed
		// size, never on the record count.
		if w.blk.Len() >= w.opts.BlockSize {
			w.err = w.flushBlock()
		}
	}
	if w.err != nil {
		return w.err
	}
	w.count++
	return nil
}

// Close flushes any partially filled trailing block, writes the
// finalize trailer, and flushes buffered output. After Close the
// container is sealed; further appends fail.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return nil
	}
	w.closed = true
	if w.opts.Compression == Block {
		if w.err = w.flushBlock(); w.err != nil {
			return w.err
		}
	}
	w.scratch.Reset()
	w.putUvarint(&w.scratch, uint64(w.count))
	var magic [8]byte
	order.PutUint64(magic[:], containerMagic)
	w.scratch.Write(magic[:])
	if w.err = w.writeFrame(tagTrailer, w.scratch.Bytes()); w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

func (w *Writer) flushBlock() error {
	if w.blkRecs == 0 {
		return nil
	}
	payload := s2.Encode(nil, w.blk.Bytes())
	w.scratch.Reset()
	w.putUvarint(&w.scratch, uint64(w.blkRecs))
	w.putUvarint(&w.scratch, uint64(w.blk.Len()))
	w.putUvarint(&w.scratch, uint64(len(payload)))
	w.scratch.Write(payload)
	w.blk.Reset()
	w.blkRecs = 0
	return w.writeFrame(tagBlock, w.scratch.Bytes())
}

func (w *Writer) writeFrame(tag byte, contents []byte) error {
	if err := w.w.WriteByte(tag); err != nil {
		return err
	}
	if _, err := w.w.Write(contents); err != nil {
		return err
	}
	var p [4]byte
	order.PutUint32(p[:], crc32.ChecksumIEEE(contents))
	_, err := w.w.Write(p[:])
	return err
}

func (w *Writer) putUvarint(b *bytes.Buffer, v uint64) {
	n := binary.PutUvarint(w.uv[:], v)
	b.Write(w.uv[:n])
}
