// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package corpus defines the boundary between the external dump
// parser and the repack pipeline: a lazy, finite sequence of document
// records, partitioned across shards. Parsing of raw markup into
// records is the parser's concern; the pipeline consumes whatever
// records a Source yields.
package corpus

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

// EOF is the error returned by Reader.Read when no more records are
// available. EOF is intended as a sentinel error: it signals a
// graceful end of input. If input terminates unexpectedly, a
// different error should be returned.
var EOF = errors.New("EOF")

// A Record is a single document as yielded by the external parser:
// an external identifier (which may be empty) and the document's raw
// content. Records are consumed once and not retained by the
// pipeline.
type Record struct {
	// ID is the document's external identifier, e.g., a source-system
	// page id. It may be empty, in which case the pipeline drops the
	// record.
	ID string
	// Body is the document's serialized content.
	Body []byte
}

// Len returns the length of the record's content in bytes.
func (r Record) Len() int { return len(r.Body) }

// A Reader represents a stateful stream of records.
type Reader interface {
	// Read returns the next record in the stream. It returns EOF when
	// no more records are available. Read should not be called
	// concurrently.
	Read(ctx context.Context) (Record, error)
}

// A ReadCloser is a Reader with a Close method releasing the
// resources held by the underlying stream.
type ReadCloser interface {
	Reader
	Close(ctx context.Context) error
}

// A Source supplies per-shard input partitions. Implementations must
// partition records deterministically and disjointly: every record
// belongs to exactly one of the nshard partitions, and repeated opens
// of the same shard yield the same records in the same order.
type Source interface {
	Open(ctx context.Context, shard, nshard int) (ReadCloser, error)
}

// A Parser frames records from a raw input stream. The language tag
// selects a parsing variant where the upstream format requires one;
// parsers are free to ignore it.
type Parser func(r io.Reader, language string) Reader

// maxRecordSize bounds a single record parsed by TSVParser.
const maxRecordSize = 64 << 20

// TSVParser is a Parser for pre-extracted corpora stored as
// tab-separated lines: each line holds an identifier, a tab, and the
// document body. It is the simplest framing the pipeline accepts;
// dump-specific parsers replace it in production runs.
func TSVParser(r io.Reader, language string) Reader {
	scan := bufio.NewScanner(r)
	scan.Buffer(nil, maxRecordSize)
	return &tsvReader{scan: scan}
}

type tsvReader struct {
	scan *bufio.Scanner
	line int
}

func (r *tsvReader) Read(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if !r.scan.Scan() {
		if err := r.scan.Err(); err != nil {
			return Record{}, err
		}
		return Record{}, EOF
	}
	r.line++
	line := r.scan.Bytes()
	i := bytes.IndexByte(line, '\t')
	if i < 0 {
		return Record{}, errors.E(errors.Invalid, fmt.Sprintf("corpus: line %d: missing field separator", r.line))
	}
	return Record{
		ID:   string(line[:i]),
		Body: append([]byte(nil), line[i+1:]...),
	}, nil
}
