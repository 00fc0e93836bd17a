// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Repack filters and repacks a corpus dump into sharded, compressed,
// integer-keyed container files. Documents not present in the docno
// mapping are dropped; the rest are rekeyed by their dense docno.
//
// Input, output, and mapping paths may name local files or s3://
// URLs. Input files are expected as tab-separated (identifier, body)
// lines; dump-specific parsers are wired in through the repack
// package API instead.
//
//	repack -input dump.tsv -mapping docno.dat -output pages.block \
//		-compression block -language en
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/corpusio/repack"
	"github.com/corpusio/repack/corpus"
	"github.com/corpusio/repack/seqio"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	log.AddFlags()
	var (
		input       = flag.String("input", "", "comma-separated corpus dump file(s)")
		output      = flag.String("output", "", "output location")
		mapping     = flag.String("mapping", "", "docno mapping data file")
		compression = flag.String("compression", "block", "compression type (none|record|block)")
		language    = flag.String("language", "", "two-letter language code")
		shards      = flag.Int("shards", 1, "number of parallel shards")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: repack -input <path>[,<path>...] -mapping <path> -output <path> [flags]\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()
	if *input == "" || *output == "" || *mapping == "" {
		flag.Usage()
	}
	comp, err := seqio.ParseCompression(*compression)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	result, err := repack.Run(ctx, repack.Config{
		Input: corpus.FileSource{
			Paths:    strings.Split(*input, ","),
			Parser:   corpus.TSVParser,
			Language: *language,
		},
		Output:      *output,
		MappingPath: *mapping,
		Compression: comp,
		Language:    *language,
		Shards:      *shards,
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("repack: done: %d records seen, %d emitted", result.Seen, result.Emitted)
}
