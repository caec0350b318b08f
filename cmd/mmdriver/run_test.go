// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/mallocs/segmalloc"
	"github.com/intuitivelabs/mallocs/segmalloc/trace"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// reset flags between runs
	heapSize, useMmap, joinNext, noChecks, debugMode, checkEvery =
		"20MiB", false, false, false, false, 0
	verbose, quiet = false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func testTrace(name string) string {
	return filepath.Join("..", "..", "trace", "testdata", name)
}

func TestRunCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantCause   error
		wantContain []string
	}{
		{
			name:        "single trace",
			args:        []string{"run", testTrace("short1.rep")},
			wantContain: []string{"short1.rep", "12 ops", "util"},
		},
		{
			name: "several traces with checks",
			args: []string{"run", "--check", "1", "--join-next",
				testTrace("short1.rep"), testTrace("realloc.rep")},
			wantContain: []string{"short1.rep", "realloc.rep", "total"},
		},
		{
			name:        "mmap heap, verbose",
			args:        []string{"run", "--mmap", "-v", testTrace("coalesce.rep")},
			wantContain: []string{"Reading trace", "coalesce.rep", "max used"},
		},
		{
			name:    "heap too small",
			args:      []string{"run", "--heap", "1KiB", testTrace("short1.rep")},
			wantErr:   true,
			wantCause: trace.ErrOutOfMemory,
		},
		{
			name:    "bad heap size",
			args:    []string{"run", "--heap", "lots", testTrace("short1.rep")},
			wantErr: true,
		},
		{
			name:    "missing trace",
			args:      []string{"run", filepath.Join(t.TempDir(), "nope.rep")},
			wantErr:   true,
			wantCause: os.ErrNotExist,
		},
		{
			name:    "no args",
			args:    []string{"run"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "mmap heap, verbose" && !mmapSupported() {
				t.Skip("no mmap")
			}
			out, err := runCmd(t, tt.args...)
			if tt.wantErr {
				require.Error(t, err)
				if tt.wantCause != nil {
					require.True(t, errors.Is(err, tt.wantCause),
						"error %q does not wrap %q", err, tt.wantCause)
				}
				return
			}
			require.NoError(t, err, out)
			for _, s := range tt.wantContain {
				require.Contains(t, out, s)
			}
		})
	}
}

func TestAllocOptions(t *testing.T) {
	_, err := runCmd(t, "run", "--no-checks", "--debug", testTrace("short1.rep"))
	require.NoError(t, err)
	opts := allocOptions()
	require.Zero(t, opts&segmalloc.OptChecks)
	require.NotZero(t, opts&segmalloc.OptDebug)
	require.Zero(t, opts&segmalloc.OptJoinNext)
}

func mmapSupported() bool {
	return runtime.GOOS != "windows"
}

func TestRunErrorsKeepContext(t *testing.T) {
	_, err := runCmd(t, "run", "--heap", "1KiB", testTrace("short1.rep"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "short1.rep")
	require.Equal(t, trace.ErrOutOfMemory, errors.Cause(err))

	_, err = runCmd(t, "run", "--heap", "lots", testTrace("short1.rep"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad heap size")
}
