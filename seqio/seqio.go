// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package seqio implements the repack output container: an ordered,
// append-only sequence of (docno, document body) entries with a
// selectable compression envelope. Containers are written once by a
// Writer and sealed by a trailer; a container without its trailer is
// an incomplete artifact (e.g., from a failed or cancelled shard) and
// is rejected by the Reader.
//
// Three compression envelopes are supported. None stores bodies
// verbatim. Record compresses each body independently, which keeps
// per-entry random access at the cost of compression ratio. Block
// accumulates consecutive entries until their combined uncompressed
// size reaches a threshold, then compresses the group as one unit;
// block membership is a pure function of accumulated byte count, so
// identical inputs produce identical containers.
//
// Every frame in the container carries a crc32 (IEEE) checksum of its
// contents, which the Reader verifies.
package seqio

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Compression determines how entry bodies are stored in a container.
type Compression int

const (
	// None stores each entry uncompressed.
	None Compression = iota
	// Record compresses each entry's body independently.
	Record
	// Block groups consecutive entries into size-bounded blocks,
	// each compressed as a single unit.
	Block
)

// DefaultBlockSize is the default uncompressed byte threshold at
// which a block is sealed and compressed.
const DefaultBlockSize = 1000000

// ParseCompression parses the string representation of a compression
// type. Only "none", "record", and "block" are accepted; anything
// else is an invalid-argument error.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none":
		return None, nil
	case "record":
		return Record, nil
	case "block":
		return Block, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("seqio: unknown compression type %q", s))
}

// Valid reports whether c is one of the supported compression types.
func (c Compression) Valid() bool {
	switch c {
	case None, Record, Block:
		return true
	}
	return false
}

// String returns the string form accepted by ParseCompression.
func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Record:
		return "record"
	case Block:
		return "block"
	}
	return fmt.Sprintf("invalid(%d)", int(c))
}
