// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package repack

import (
	"context"
	"fmt"
	"os"

	"github.com/corpusio/repack/corpus"
	"github.com/corpusio/repack/docmap"
	"github.com/corpusio/repack/metrics"
	"github.com/corpusio/repack/seqio"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"golang.org/x/sync/errgroup"
)

var (
	recordsSeen    = metrics.NewCounter()
	recordsEmitted = metrics.NewCounter()
)

// Config configures a repack run. All values are supplied by the
// caller; nothing is read from flags or the environment here.
type Config struct {
	// Input supplies the per-shard document record partitions.
	Input corpus.Source
	// Output is the directory that receives the container shards. Its
	// previous contents are removed when the run starts.
	Output string
	// MappingPath locates the docno mapping file, in either its text
	// or compiled form.
	MappingPath string
	// Compression selects the container compression envelope.
	Compression seqio.Compression
	// BlockSize overrides the default block compression threshold of
	// seqio.DefaultBlockSize bytes. Consulted only in block mode.
	BlockSize int
	// Language is an optional two-letter language tag, passed through
	// to the upstream parser and otherwise uninterpreted.
	Language string
	// Shards is the number of parallel shard pipelines. It defaults
	// to 1.
	Shards int
	// Status, if non-nil, receives per-shard progress updates.
	Status *status.Status
}

func (c Config) validate() error {
	if c.Input == nil {
		return errors.E(errors.Invalid, "repack: no input source")
	}
	if c.Output == "" {
		return errors.E(errors.Invalid, "repack: no output path")
	}
	if c.MappingPath == "" {
		return errors.E(errors.Invalid, "repack: no docno mapping file")
	}
	if !c.Compression.Valid() {
		return errors.E(errors.Invalid, fmt.Sprintf("repack: %q: unknown compression type", c.Compression))
	}
	if c.Language != "" && len(c.Language) != 2 {
		return errors.E(errors.Invalid, fmt.Sprintf("repack: %q: unknown language", c.Language))
	}
	if c.Shards < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("repack: invalid shard count %d", c.Shards))
	}
	return nil
}

// Result summarizes a successful run.
type Result struct {
	// Seen is the total number of input records consumed, across all
	// shards and regardless of filtering outcome.
	Seen int64
	// Emitted is the number of records written to output containers:
	// those whose identifier was present in the docno mapping.
	Emitted int64
}

// Run executes the repack pipeline described by config: it loads the
// docno mapping, destructively replaces the output directory, and
// runs one filter/rekey/write pipeline per shard in parallel. Run
// returns after all shards complete; any shard failure fails the run
// as a whole, with no partial-success semantics and no retries.
//
// Configuration and mapping errors are returned before any output is
// touched.
func Run(ctx context.Context, config Config) (Result, error) {
	if err := config.validate(); err != nil {
		return Result{}, err
	}
	if config.Shards == 0 {
		config.Shards = 1
	}
	if config.BlockSize == 0 {
		config.BlockSize = seqio.DefaultBlockSize
	}

	log.Printf("repack: output path: %s", config.Output)
	log.Printf("repack: docno mapping data file: %s", config.MappingPath)
	log.Printf("repack: compression type: %s", config.Compression)
	if config.Language != "" {
		log.Printf("repack: language: %s", config.Language)
	}
	if config.Compression == seqio.Block {
		log.Printf("repack: block size: %s", data.Size(config.BlockSize))
	}

	// Every shard depends on the mapping; load it once, before any
	// output is touched, and share the immutable value.
	mapping, err := docmap.Load(ctx, config.MappingPath)
	if err != nil {
		return Result{}, err
	}
	log.Printf("repack: loaded docno mapping: %d entries", mapping.Len())

	// Delete the output directory if it exists already.
	if err := removeAll(ctx, config.Output); err != nil {
		return Result{}, errors.E(err, fmt.Sprintf("repack: replace %s", config.Output))
	}
	// file.Create does not make intermediate directories on local
	// file systems; blob stores need none.
	if scheme, _, err := file.ParsePath(config.Output); err == nil && (scheme == "" || scheme == "file") {
		if err := os.MkdirAll(config.Output, 0777); err != nil {
			return Result{}, errors.E(err, fmt.Sprintf("repack: replace %s", config.Output))
		}
	}

	var group *status.Group
	if config.Status != nil {
		group = config.Status.Group("repack")
	}
	scopes := make([]metrics.Scope, config.Shards)
	g, ctx := errgroup.WithContext(ctx)
	for shard := 0; shard < config.Shards; shard++ {
		shard := shard
		var task *status.Task
		if group != nil {
			task = group.Startf("shard %d/%d", shard, config.Shards)
		}
		g.Go(func() error {
			err := runShard(ctx, config, mapping, &scopes[shard], shard, task)
			if task != nil {
				if err != nil {
					task.Printf("error: %v", err)
				}
				task.Done()
			}
			if err != nil {
				return errors.E(err, fmt.Sprintf("repack: shard %d", shard))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var total metrics.Scope
	for i := range scopes {
		total.Merge(&scopes[i])
	}
	result := Result{
		Seen:    recordsSeen.Value(&total),
		Emitted: recordsEmitted.Value(&total),
	}
	log.Printf("repack: total of %d records seen, %d emitted", result.Seen, result.Emitted)
	return result, nil
}

// removeAll removes all objects under path. Removing output from a
// prior run is an explicit, documented side effect of Run.
func removeAll(ctx context.Context, path string) error {
	lst := file.List(ctx, path, true)
	for lst.Scan() {
		log.Debug.Printf("repack: removing stale output %s", lst.Path())
		if err := file.Remove(ctx, lst.Path()); err != nil {
			return err
		}
	}
	return lst.Err()
}

// shardPath returns the container path for the provided shard index.
// The shard index within the output directory is the container's
// identity.
func shardPath(output string, shard int) string {
	return file.Join(output, fmt.Sprintf("part-%05d", shard))
}
