// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package docmap implements the immutable docno mapping used by the
// repack pipeline: an association from external document identifiers
// ("docids") to dense integer document numbers ("docnos"). Docnos are
// assigned 0..N-1 in the order docids appear in the mapping source,
// and are never reassigned.
//
// Mappings are built once and read many times; a built Mapping is
// immutable and safe for concurrent lookups without locking.
//
// Two on-disk forms are supported. The text form is an ordered list
// of docids, one per line, where line position determines the docno.
// The compiled form is a block-structured index of prefix-compressed
// docids (see mapfile.go) that loads without re-parsing or re-sorting
// and is preferred for mappings with tens of millions of entries.
// Load detects the form by inspecting the file's trailer.
package docmap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// maxDocidSize limits the size of a single docid line when parsing
// text mappings.
const maxDocidSize = 1 << 20

// A Mapping is an immutable association from docid to dense docno.
// The zero Mapping is empty.
type Mapping struct {
	// docids stores all docids in docno order, i.e., the order in
	// which they appeared in the mapping source.
	docids []string
	// order is the docno permutation that sorts docids
	// lexicographically; Lookup binary searches through it.
	order []int32
}

// New builds a mapping from docids, assigning docnos 0..N-1 in slice
// order. New returns an error if any docid is empty or duplicated.
func New(docids []string) (*Mapping, error) {
	m := &Mapping{
		docids: docids,
		order:  make([]int32, len(docids)),
	}
	for i := range m.order {
		if docids[i] == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("docmap: empty docid at position %d", i))
		}
		m.order[i] = int32(i)
	}
	sort.Slice(m.order, func(i, j int) bool {
		return m.docids[m.order[i]] < m.docids[m.order[j]]
	})
	for i := 1; i < len(m.order); i++ {
		if m.docids[m.order[i-1]] == m.docids[m.order[i]] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("docmap: duplicate docid %q", m.docids[m.order[i]]))
		}
	}
	return m, nil
}

// Load reads a mapping from the file at the provided path. The file
// may be either a text mapping (ordered docids, one per line) or a
// compiled mapping produced by Compile; Load distinguishes the two by
// the compiled trailer magic. The file is loaded into memory as a
// whole.
func Load(ctx context.Context, path string) (*Mapping, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("docmap: load %s", path))
	}
	defer f.Close(ctx)
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("docmap: load %s", path))
	}
	if isCompiled(p) {
		m, err := loadCompiled(p)
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("docmap: load %s", path))
		}
		return m, nil
	}
	m, err := parseText(p)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("docmap: load %s", path))
	}
	return m, nil
}

// parseText parses the text mapping form: one docid per line, line
// position = docno. Carriage returns are stripped so that mappings
// produced on other platforms load unchanged.
func parseText(p []byte) (*Mapping, error) {
	var docids []string
	scan := bufio.NewScanner(bytes.NewReader(p))
	scan.Buffer(nil, maxDocidSize)
	for scan.Scan() {
		line := scan.Text()
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		docids = append(docids, line)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return New(docids)
}

// Len returns the number of entries in the mapping.
func (m *Mapping) Len() int { return len(m.docids) }

// Lookup returns the docno assigned to the provided docid. The
// second return value reports whether the docid is present in the
// mapping; absence is a routine outcome, not an error.
func (m *Mapping) Lookup(docid string) (docno int, ok bool) {
	i := sort.Search(len(m.order), func(i int) bool {
		return m.docids[m.order[i]] >= docid
	})
	if i == len(m.order) || m.docids[m.order[i]] != docid {
		return 0, false
	}
	return int(m.order[i]), true
}

// Docid returns the docid assigned docno n, performing the reverse
// of Lookup. The second return value reports whether n is a valid
// docno for this mapping.
func (m *Mapping) Docid(n int) (docid string, ok bool) {
	if n < 0 || n >= len(m.docids) {
		return "", false
	}
	return m.docids[n], true
}
