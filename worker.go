// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package repack

import (
	"context"

	"github.com/corpusio/repack/corpus"
	"github.com/corpusio/repack/docmap"
	"github.com/corpusio/repack/metrics"
	"github.com/corpusio/repack/seqio"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
)

// statusInterval is the number of records between status updates.
const statusInterval = 10000

// runShard runs one complete shard pipeline: it opens the shard's
// input partition, filters and rekeys its records against the docno
// mapping, and appends the survivors to the shard's container in
// arrival order.
//
// Records with an empty identifier or an identifier absent from the
// mapping are dropped silently; both are routine outcomes, counted
// only as seen. On error the shard's container is left without its
// finalize trailer so that it cannot be mistaken for a complete
// artifact.
func runShard(ctx context.Context, config Config, mapping *docmap.Mapping, scope *metrics.Scope, shard int, task *status.Task) (err error) {
	in, err := config.Input.Open(ctx, shard, config.Shards)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	path := shardPath(config.Output, shard)
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	w, err := seqio.NewWriter(f.Writer(ctx), seqio.WriterOpts{
		Compression: config.Compression,
		BlockSize:   config.BlockSize,
	})
	if err != nil {
		return err
	}

	var seen, emitted int64
	for {
		rec, rerr := in.Read(ctx)
		if rerr == corpus.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
		seen++
		recordsSeen.Incr(scope, 1)
		if task != nil && seen%statusInterval == 0 {
			task.Printf("%d records seen, %d emitted", seen, emitted)
		}
		if rec.ID == "" {
			continue
		}
		// Documents that aren't in the docno mapping are discarded.
		docno, ok := mapping.Lookup(rec.ID)
		if !ok {
			continue
		}
		if werr := w.Append(docno, rec.Body); werr != nil {
			return werr
		}
		emitted++
		recordsEmitted.Incr(scope, 1)
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Debug.Printf("repack: shard %d: wrote %s: %d records seen, %d emitted", shard, path, seen, emitted)
	return nil
}
