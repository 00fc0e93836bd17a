// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package repack implements a batch pipeline that repacks a large
	corpus dump into compact, randomly-addressable container shards.
	Documents are filtered against a precomputed docno mapping: a
	document whose external identifier is absent from the mapping is
	dropped, and the rest are rekeyed by their dense integer docno and
	appended, in arrival order, to per-shard output containers.

	Dropping unmapped documents is deliberate, routine filtering, not
	data loss: mappings are typically scoped to a subset of the corpus
	(excluding redirects, disambiguation pages, and the like), and the
	pipeline counts such documents in its total but emits nothing for
	them.

	Shards are embarrassingly parallel and share nothing but the docno
	mapping, which is immutable once loaded and thus safe for
	concurrent lookups. A shard that fails or is cancelled mid-run
	leaves its container without a finalize trailer, so incomplete
	artifacts are detected rather than silently consumed downstream.

	The output directory is destructively replaced on every run: stale
	shards from previous runs are removed before any new shard is
	written.
*/
package repack
