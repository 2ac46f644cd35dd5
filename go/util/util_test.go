package util

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMD5FromReader_KnownVector(t *testing.T) {
	sum, err := MD5FromReader(strings.NewReader("abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", hex.EncodeToString(sum))
}

func TestMD5FromReader_TeesToWriter(t *testing.T) {
	var buf bytes.Buffer
	sum, err := MD5FromReader(strings.NewReader("hello"), &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())
	assert.Len(t, sum, 16)
}

func TestChunkIter(t *testing.T) {
	test := func(length, chunkSize int, expect [][]int) {
		t.Run(fmt.Sprintf("length %d chunkSize %d", length, chunkSize), func(t *testing.T) {
			var actual [][]int
			require.NoError(t, ChunkIter(length, chunkSize, func(start, end int) error {
				actual = append(actual, []int{start, end})
				return nil
			}))
			assert.Equal(t, expect, actual)
		})
	}
	test(5, 2, [][]int{{0, 2}, {2, 4}, {4, 5}})
	test(4, 4, [][]int{{0, 4}})
	test(0, 3, [][]int{{0, 0}})
	require.Error(t, ChunkIter(5, 0, func(int, int) error { return nil }))
}

func TestChunkIter_ErrorStopsIteration(t *testing.T) {
	calls := 0
	err := ChunkIter(10, 2, func(start, end int) error {
		calls++
		return io.EOF
	})
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 1, calls)
}

func TestWithWriteFile_WritesAtomically(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")
	require.NoError(t, WithWriteFile(dst, func(w io.Writer) error {
		_, err := w.Write([]byte("payload"))
		return err
	}))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWithWriteFile_ErrorLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")
	expected := fmt.Errorf("boom")
	err := WithWriteFile(dst, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return expected
	})
	assert.Equal(t, expected, err)
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRepeatCtx_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		RepeatCtx(time.Millisecond, ctx, func() {
			calls++
			if calls == 3 {
				cancel()
			}
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RepeatCtx did not stop after cancellation")
	}
	assert.GreaterOrEqual(t, calls, 3)
}

func TestNamedErrGroup_CollectsErrorsByName(t *testing.T) {
	g := NewNamedErrGroup(2)
	g.Go("a", func() error { return nil })
	g.Go("b", func() error { return fmt.Errorf("b failed") })
	g.Go("c", func() error { return fmt.Errorf("c failed") })
	err := g.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b: b failed")
	assert.Contains(t, err.Error(), "c: c failed")
	errs := g.Errors()
	assert.Len(t, errs, 2)
	assert.NotContains(t, errs, "a")
}

func TestNamedErrGroup_NoErrors(t *testing.T) {
	g := NewNamedErrGroup(0)
	for i := 0; i < 10; i++ {
		g.Go(fmt.Sprintf("w%d", i), func() error { return nil })
	}
	require.NoError(t, g.Wait())
	assert.Empty(t, g.Errors())
}
