// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package trace reads allocation traces and replays them against an
// allocator, verifying that payloads are never corrupted.
//
// A trace is a text file with one operation per line:
//
//	a <id> <size>   allocate size bytes and name the block id
//	r <id> <size>   resize block id to size bytes
//	f <id>          free block id
//
// Empty lines and lines starting with '#' are ignored. Lines holding a
// single number before the first operation form the optional malloc-lab
// header: suggested heap size, number of ids, number of operations and
// weight.
package trace

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// OpKind is the type of a trace operation.
type OpKind byte

const (
	Alloc   OpKind = 'a'
	Realloc OpKind = 'r'
	Free    OpKind = 'f'
)

func (k OpKind) String() string {
	switch k {
	case Alloc:
		return "alloc"
	case Realloc:
		return "realloc"
	case Free:
		return "free"
	}
	return "op(" + strconv.Itoa(int(k)) + ")"
}

// Op is one trace operation.
type Op struct {
	Kind OpKind
	ID   int
	Size uint64 // unused for Free
	Line int    // source line, for error messages
}

// Trace is a parsed allocation trace.
type Trace struct {
	Name     string
	HeapHint uint64 // suggested heap size, 0 if unknown
	IDs      int    // number of distinct ids
	Weight   int
	Ops      []Op
}

// ErrSyntax is returned for malformed trace lines.
var ErrSyntax = errors.New("trace: syntax error")

// ParseFile reads and parses the trace file at path.
func ParseFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "trace: open")
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	t.Name = filepath.Base(path)
	return t, nil
}

// Parse reads a trace from r.
func Parse(r io.Reader) (*Trace, error) {
	t := &Trace{}
	var header []uint64
	maxID := -1
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || s[0] == '#' {
			continue
		}
		fields := strings.Fields(s)
		if len(fields) == 1 && len(t.Ops) == 0 {
			v, err := strconv.ParseUint(fields[0], 10, 64)
			if err != nil || len(header) == 4 {
				return nil, errors.Wrapf(ErrSyntax,
					"line %d: bad header %q", line, s)
			}
			header = append(header, v)
			continue
		}
		op, err := parseOp(fields, line)
		if err != nil {
			return nil, err
		}
		if op.ID > maxID {
			maxID = op.ID
		}
		t.Ops = append(t.Ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "trace: read")
	}
	if len(header) > 0 {
		t.HeapHint = header[0]
	}
	t.IDs = maxID + 1
	if len(header) > 1 && int(header[1]) > t.IDs {
		t.IDs = int(header[1])
	}
	if len(header) > 2 && int(header[2]) != len(t.Ops) {
		return nil, errors.Wrapf(ErrSyntax,
			"header announces %d operations, found %d",
			header[2], len(t.Ops))
	}
	if len(header) > 3 {
		t.Weight = int(header[3])
	}
	return t, nil
}

func parseOp(fields []string, line int) (Op, error) {
	op := Op{Line: line}
	if len(fields[0]) != 1 {
		return op, errors.Wrapf(ErrSyntax, "line %d: unknown op %q",
			line, fields[0])
	}
	op.Kind = OpKind(fields[0][0])
	want := 3
	switch op.Kind {
	case Alloc, Realloc:
	case Free:
		want = 2
	default:
		return op, errors.Wrapf(ErrSyntax, "line %d: unknown op %q",
			line, fields[0])
	}
	if len(fields) != want {
		return op, errors.Wrapf(ErrSyntax,
			"line %d: %s needs %d arguments, got %d",
			line, op.Kind, want-1, len(fields)-1)
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil || id < 0 {
		return op, errors.Wrapf(ErrSyntax, "line %d: bad id %q",
			line, fields[1])
	}
	op.ID = id
	if want == 3 {
		op.Size, err = strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return op, errors.Wrapf(ErrSyntax, "line %d: bad size %q",
				line, fields[2])
		}
	}
	return op, nil
}
