// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package repack_test

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/corpusio/repack"
	"github.com/corpusio/repack/corpus"
	"github.com/corpusio/repack/seqio"
	"github.com/grailbio/testutil"
)

type entry struct {
	docno int
	body  string
}

func setup(t *testing.T, docids []string) (dir, mappingPath string, cleanup func()) {
	t.Helper()
	dir, cleanup = testutil.TempDir(t, "", "")
	mappingPath = filepath.Join(dir, "docno.dat")
	var b bytes.Buffer
	for _, docid := range docids {
		fmt.Fprintln(&b, docid)
	}
	if err := ioutil.WriteFile(mappingPath, b.Bytes(), 0666); err != nil {
		cleanup()
		t.Fatal(err)
	}
	return dir, mappingPath, cleanup
}

func readShard(t *testing.T, path string) []entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := seqio.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	var entries []entry
	for r.Scan() {
		entries = append(entries, entry{r.Docno(), string(r.Body())})
	}
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	return entries
}

func readOutput(t *testing.T, output string) []entry {
	t.Helper()
	infos, err := ioutil.ReadDir(output)
	if err != nil {
		t.Fatal(err)
	}
	var entries []entry
	for _, info := range infos {
		entries = append(entries, readShard(t, filepath.Join(output, info.Name()))...)
	}
	return entries
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	dir, mappingPath, cleanup := setup(t, []string{"A", "B", "C"})
	defer cleanup()

	input := corpus.SliceSource{
		{ID: "A", Body: []byte("content_A")},
		{ID: "X", Body: []byte("content_X")},
		{ID: "C", Body: []byte("content_C")},
		{ID: "B", Body: []byte("content_B")},
	}
	output := filepath.Join(dir, "out")
	result, err := repack.Run(ctx, repack.Config{
		Input:       input,
		Output:      output,
		MappingPath: mappingPath,
		Compression: seqio.None,
		Shards:      1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := result.Seen, int64(4); got != want {
		t.Errorf("got %v records seen, want %v", got, want)
	}
	if got, want := result.Emitted, int64(3); got != want {
		t.Errorf("got %v records emitted, want %v", got, want)
	}

	got := readShard(t, filepath.Join(output, "part-00000"))
	want := []entry{{0, "content_A"}, {2, "content_C"}, {1, "content_B"}}
	if len(got) != len(want) {
		t.Fatalf("got %v entries, want %v", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRunSharded(t *testing.T) {
	ctx := context.Background()
	const (
		N      = 5000
		nshard = 4
	)
	docids := make([]string, 0, N/2)
	var input corpus.SliceSource
	for i := 0; i < N; i++ {
		id := fmt.Sprintf("doc-%d", i)
		// Only even documents are mapped; odd ones must be dropped.
		if i%2 == 0 {
			docids = append(docids, id)
		}
		input = append(input, corpus.Record{ID: id, Body: []byte(fmt.Sprintf("body-%d", i))})
	}
	dir, mappingPath, cleanup := setup(t, docids)
	defer cleanup()

	output := filepath.Join(dir, "out")
	result, err := repack.Run(ctx, repack.Config{
		Input:       input,
		Output:      output,
		MappingPath: mappingPath,
		Compression: seqio.Block,
		BlockSize:   4096,
		Shards:      nshard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := result.Seen, int64(N); got != want {
		t.Errorf("got %v records seen, want %v", got, want)
	}
	if got, want := result.Emitted, int64(N/2); got != want {
		t.Errorf("got %v records emitted, want %v", got, want)
	}

	infos, err := ioutil.ReadDir(output)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(infos), nshard; got != want {
		t.Fatalf("got %v shards, want %v", got, want)
	}
	seen := make(map[int]string)
	for shard := 0; shard < nshard; shard++ {
		entries := readShard(t, filepath.Join(output, fmt.Sprintf("part-%05d", shard)))
		// Within a shard, entries preserve the arrival order of their
		// source records.
		var last = -1
		for _, e := range entries {
			if _, ok := seen[e.docno]; ok {
				t.Fatalf("docno %d emitted twice", e.docno)
			}
			seen[e.docno] = e.body
			if e.docno <= last {
				t.Errorf("shard %d: docno %d out of arrival order", shard, e.docno)
			}
			last = e.docno
		}
	}
	if got, want := len(seen), N/2; got != want {
		t.Fatalf("got %v emitted records, want %v", got, want)
	}
	for docno, body := range seen {
		// docids[docno] is "doc-<2*docno>"; its body is "body-<2*docno>".
		if want := fmt.Sprintf("body-%d", 2*docno); body != want {
			t.Errorf("docno %d: got body %q, want %q", docno, body, want)
		}
	}
}

func TestRunLayoutEquivalence(t *testing.T) {
	ctx := context.Background()
	var input corpus.SliceSource
	docids := make([]string, 100)
	for i := range docids {
		docids[i] = fmt.Sprintf("doc-%d", i)
		input = append(input, corpus.Record{ID: docids[i], Body: bytes.Repeat([]byte{byte(i)}, i*13)})
	}
	dir, mappingPath, cleanup := setup(t, docids)
	defer cleanup()

	var decoded [2][]entry
	for i, comp := range []seqio.Compression{seqio.Record, seqio.Block} {
		output := filepath.Join(dir, fmt.Sprintf("out-%s", comp))
		if _, err := repack.Run(ctx, repack.Config{
			Input:       input,
			Output:      output,
			MappingPath: mappingPath,
			Compression: comp,
			BlockSize:   512,
			Shards:      1,
		}); err != nil {
			t.Fatal(err)
		}
		decoded[i] = readShard(t, filepath.Join(output, "part-00000"))
	}
	if len(decoded[0]) != len(decoded[1]) {
		t.Fatalf("decoded %v vs %v entries", len(decoded[0]), len(decoded[1]))
	}
	for i := range decoded[0] {
		if decoded[0][i] != decoded[1][i] {
			t.Errorf("entry %d: %v != %v", i, decoded[0][i], decoded[1][i])
		}
	}
}

func TestRunDestructiveOverwrite(t *testing.T) {
	ctx := context.Background()
	dir, mappingPath, cleanup := setup(t, []string{"A", "B", "C"})
	defer cleanup()
	output := filepath.Join(dir, "out")

	first := corpus.SliceSource{
		{ID: "A", Body: []byte("stale")},
		{ID: "B", Body: []byte("stale")},
		{ID: "C", Body: []byte("stale")},
	}
	if _, err := repack.Run(ctx, repack.Config{
		Input:       first,
		Output:      output,
		MappingPath: mappingPath,
		Compression: seqio.None,
		Shards:      4,
	}); err != nil {
		t.Fatal(err)
	}

	second := corpus.SliceSource{{ID: "B", Body: []byte("fresh")}}
	if _, err := repack.Run(ctx, repack.Config{
		Input:       second,
		Output:      output,
		MappingPath: mappingPath,
		Compression: seqio.None,
		Shards:      1,
	}); err != nil {
		t.Fatal(err)
	}

	infos, err := ioutil.ReadDir(output)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(infos), 1; got != want {
		t.Fatalf("got %v shards, want %v: stale output survived", got, want)
	}
	got := readOutput(t, output)
	if len(got) != 1 || got[0] != (entry{1, "fresh"}) {
		t.Errorf("got %v, want [{1 fresh}]", got)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	ctx := context.Background()
	dir, mappingPath, cleanup := setup(t, []string{"A"})
	defer cleanup()
	output := filepath.Join(dir, "out")
	// A sentinel that must survive rejected configurations: no output
	// may be modified before validation passes.
	if err := os.Mkdir(output, 0777); err != nil {
		t.Fatal(err)
	}
	sentinel := filepath.Join(output, "sentinel")
	if err := ioutil.WriteFile(sentinel, []byte("x"), 0666); err != nil {
		t.Fatal(err)
	}

	valid := repack.Config{
		Input:       corpus.SliceSource{{ID: "A", Body: []byte("a")}},
		Output:      output,
		MappingPath: mappingPath,
		Compression: seqio.None,
		Shards:      1,
	}
	for _, c := range []struct {
		name   string
		mutate func(*repack.Config)
	}{
		{"no input", func(c *repack.Config) { c.Input = nil }},
		{"no output", func(c *repack.Config) { c.Output = "" }},
		{"no mapping", func(c *repack.Config) { c.MappingPath = "" }},
		{"bad compression", func(c *repack.Config) { c.Compression = seqio.Compression(9) }},
		{"bad language", func(c *repack.Config) { c.Language = "english" }},
		{"bad shards", func(c *repack.Config) { c.Shards = -1 }},
		{"missing mapping file", func(c *repack.Config) { c.MappingPath = filepath.Join(dir, "nope") }},
	} {
		config := valid
		c.mutate(&config)
		if _, err := repack.Run(ctx, config); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
		if _, err := os.Stat(sentinel); err != nil {
			t.Fatalf("%s: output modified by rejected configuration: %v", c.name, err)
		}
	}
}

func TestRunDropsUnidentified(t *testing.T) {
	ctx := context.Background()
	dir, mappingPath, cleanup := setup(t, []string{"A"})
	defer cleanup()

	input := corpus.SliceSource{
		{ID: "", Body: []byte("anonymous")},
		{ID: "A", Body: []byte("a")},
	}
	output := filepath.Join(dir, "out")
	result, err := repack.Run(ctx, repack.Config{
		Input:       input,
		Output:      output,
		MappingPath: mappingPath,
		Compression: seqio.Record,
		Shards:      1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := result.Seen, int64(2); got != want {
		t.Errorf("got %v records seen, want %v", got, want)
	}
	if got, want := result.Emitted, int64(1); got != want {
		t.Errorf("got %v records emitted, want %v", got, want)
	}
}
