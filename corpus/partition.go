// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package corpus

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/spaolacci/murmur3"
)

// A FileSource partitions one or more input files across shards,
// assigning files round-robin by position. Each file is framed into
// records by the source's parser; the language tag is passed through
// to it opaquely.
type FileSource struct {
	// Paths name the input files, in partition order.
	Paths []string
	// Parser frames records from each file's contents.
	Parser Parser
	// Language is the two-letter language tag selecting the parsing
	// variant, or empty.
	Language string
}

// Open implements Source. The returned reader concatenates, in path
// order, the records of the files assigned to the shard.
func (s FileSource) Open(ctx context.Context, shard, nshard int) (ReadCloser, error) {
	if err := checkShard(shard, nshard); err != nil {
		return nil, err
	}
	if s.Parser == nil {
		return nil, errors.E(errors.Invalid, "corpus: file source without parser")
	}
	var paths []string
	for i, path := range s.Paths {
		if i%nshard == shard {
			paths = append(paths, path)
		}
	}
	return &fileReader{source: s, paths: paths}, nil
}

// fileReader reads the records of a set of files, opening each file
// lazily as the previous one is exhausted.
type fileReader struct {
	source FileSource
	paths  []string

	file    file.File
	records Reader
}

func (r *fileReader) Read(ctx context.Context) (Record, error) {
	for {
		if r.records == nil {
			if len(r.paths) == 0 {
				return Record{}, EOF
			}
			f, err := file.Open(ctx, r.paths[0])
			if err != nil {
				return Record{}, err
			}
			r.paths = r.paths[1:]
			r.file = f
			r.records = r.source.Parser(f.Reader(ctx), r.source.Language)
		}
		rec, err := r.records.Read(ctx)
		if err == EOF {
			r.records = nil
			if err := r.file.Close(ctx); err != nil {
				return Record{}, err
			}
			r.file = nil
			continue
		}
		return rec, err
	}
}

func (r *fileReader) Close(ctx context.Context) error {
	r.records = nil
	r.paths = nil
	if r.file == nil {
		return nil
	}
	f := r.file
	r.file = nil
	return f.Close(ctx)
}

// A SliceSource is an in-memory Source, used mostly in tests and for
// small corpora. Records are partitioned by a murmur3 hash of their
// identifier, so partitioning is deterministic and shared-nothing;
// within a shard, records preserve their slice order.
type SliceSource []Record

// Open implements Source.
func (s SliceSource) Open(ctx context.Context, shard, nshard int) (ReadCloser, error) {
	if err := checkShard(shard, nshard); err != nil {
		return nil, err
	}
	var records []Record
	for _, rec := range s {
		if Shard(rec.ID, nshard) == shard {
			records = append(records, rec)
		}
	}
	return &sliceReader{records: records}, nil
}

// Shard returns the shard, in [0, nshard), to which records with the
// provided identifier belong.
func Shard(id string, nshard int) int {
	return int(murmur3.Sum32([]byte(id)) % uint32(nshard))
}

type sliceReader struct {
	records []Record
}

func (r *sliceReader) Read(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if len(r.records) == 0 {
		return Record{}, EOF
	}
	rec := r.records[0]
	r.records = r.records[1:]
	return rec, nil
}

func (r *sliceReader) Close(ctx context.Context) error {
	r.records = nil
	return nil
}

func checkShard(shard, nshard int) error {
	if nshard < 1 || shard < 0 || shard >= nshard {
		return errors.E(errors.Invalid, fmt.Sprintf("corpus: invalid shard %d of %d", shard, nshard))
	}
	return nil
}
