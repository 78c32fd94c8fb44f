// Package testsuites holds a common set of conformance tests for
// storagedriver.StorageDriver implementations.
package testsuites

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"sort"
	"testing"

	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"
)

// Driver runs the conformance suite against the given driver constructor.
// Each subtest receives a fresh driver instance.
func Driver(t *testing.T, newDriver func(t *testing.T) storagedriver.StorageDriver) {
	tests := []struct {
		name string
		run  func(t *testing.T, d storagedriver.StorageDriver)
	}{
		{"PutGetContent", testPutGetContent},
		{"GetNonexistent", testGetNonexistent},
		{"ReaderWithOffset", testReaderWithOffset},
		{"WriterAppend", testWriterAppend},
		{"WriterCancel", testWriterCancel},
		{"Stat", testStat},
		{"List", testList},
		{"Move", testMove},
		{"Delete", testDelete},
		{"Walk", testWalk},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newDriver(t))
		})
	}
}

func randomContents(length int64) []byte {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func testPutGetContent(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	filename := "/test/put-get/file"
	contents := randomContents(64)

	if err := d.PutContent(ctx, filename, contents); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	readContents, err := d.GetContent(ctx, filename)
	if err != nil {
		t.Fatalf("unexpected error getting content: %v", err)
	}

	if !bytes.Equal(contents, readContents) {
		t.Fatalf("retrieved content does not match stored content")
	}

	// overwrite
	contents = randomContents(128)
	if err := d.PutContent(ctx, filename, contents); err != nil {
		t.Fatalf("unexpected error overwriting content: %v", err)
	}

	readContents, err = d.GetContent(ctx, filename)
	if err != nil {
		t.Fatalf("unexpected error getting content: %v", err)
	}

	if !bytes.Equal(contents, readContents) {
		t.Fatalf("retrieved content does not match overwritten content")
	}
}

func testGetNonexistent(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	_, err := d.GetContent(ctx, "/test/nonexistent")
	if _, ok := err.(storagedriver.PathNotFoundError); !ok {
		t.Fatalf("expected PathNotFoundError, got %v", err)
	}

	_, err = d.Reader(ctx, "/test/nonexistent", 0)
	if _, ok := err.(storagedriver.PathNotFoundError); !ok {
		t.Fatalf("expected PathNotFoundError from Reader, got %v", err)
	}
}

func testReaderWithOffset(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	filename := "/test/reader/file"
	contents := randomContents(100)

	if err := d.PutContent(ctx, filename, contents); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	rc, err := d.Reader(ctx, filename, 30)
	if err != nil {
		t.Fatalf("unexpected error getting reader: %v", err)
	}
	defer rc.Close()

	readContents, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("unexpected error reading: %v", err)
	}

	if !bytes.Equal(contents[30:], readContents) {
		t.Fatalf("retrieved content does not match expected tail")
	}

	// reading at the end of the file returns no data
	rc, err = d.Reader(ctx, filename, 100)
	if err != nil {
		t.Fatalf("unexpected error getting reader at EOF: %v", err)
	}
	defer rc.Close()

	readContents, err = io.ReadAll(rc)
	if err != nil {
		t.Fatalf("unexpected error reading at EOF: %v", err)
	}
	if len(readContents) != 0 {
		t.Fatalf("expected no content reading at EOF, got %d bytes", len(readContents))
	}
}

func testWriterAppend(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	filename := "/test/writer/file"
	chunkA := randomContents(40)
	chunkB := randomContents(60)

	writer, err := d.Writer(ctx, filename, false)
	if err != nil {
		t.Fatalf("unexpected error getting writer: %v", err)
	}

	if _, err := writer.Write(chunkA); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}
	if writer.Size() != int64(len(chunkA)) {
		t.Fatalf("unexpected writer size: %d != %d", writer.Size(), len(chunkA))
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("unexpected error closing writer: %v", err)
	}

	writer, err = d.Writer(ctx, filename, true)
	if err != nil {
		t.Fatalf("unexpected error getting append writer: %v", err)
	}
	if writer.Size() != int64(len(chunkA)) {
		t.Fatalf("unexpected append writer size: %d != %d", writer.Size(), len(chunkA))
	}

	if _, err := writer.Write(chunkB); err != nil {
		t.Fatalf("unexpected error appending: %v", err)
	}
	if err := writer.Commit(ctx); err != nil {
		t.Fatalf("unexpected error committing: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("unexpected error closing writer: %v", err)
	}

	readContents, err := d.GetContent(ctx, filename)
	if err != nil {
		t.Fatalf("unexpected error getting content: %v", err)
	}

	if !bytes.Equal(append(append([]byte{}, chunkA...), chunkB...), readContents) {
		t.Fatalf("retrieved content does not match appended chunks")
	}
}

func testWriterCancel(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	filename := "/test/writer/cancelled"

	writer, err := d.Writer(ctx, filename, false)
	if err != nil {
		t.Fatalf("unexpected error getting writer: %v", err)
	}

	if _, err := writer.Write(randomContents(32)); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}

	if err := writer.Cancel(ctx); err != nil {
		t.Fatalf("unexpected error cancelling: %v", err)
	}

	if _, err := d.GetContent(ctx, filename); err == nil {
		t.Fatal("expected error reading cancelled upload target")
	}
}

func testStat(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	filename := "/test/stat/file"
	contents := randomContents(50)

	if err := d.PutContent(ctx, filename, contents); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	fi, err := d.Stat(ctx, filename)
	if err != nil {
		t.Fatalf("unexpected error statting file: %v", err)
	}

	if fi.Path() != filename {
		t.Fatalf("unexpected path: %q != %q", fi.Path(), filename)
	}
	if fi.Size() != 50 {
		t.Fatalf("unexpected size: %d != 50", fi.Size())
	}
	if fi.IsDir() {
		t.Fatal("file incorrectly reported as directory")
	}

	fi, err = d.Stat(ctx, "/test/stat")
	if err != nil {
		t.Fatalf("unexpected error statting directory: %v", err)
	}
	if !fi.IsDir() {
		t.Fatal("directory incorrectly reported as file")
	}

	if _, err = d.Stat(ctx, "/test/stat/nonexistent"); err == nil {
		t.Fatal("expected error statting nonexistent path")
	}
}

func testList(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	expected := []string{"/test/list/a", "/test/list/b", "/test/list/c"}
	for _, p := range expected {
		if err := d.PutContent(ctx, p, randomContents(8)); err != nil {
			t.Fatalf("unexpected error putting content: %v", err)
		}
	}
	// nested entries appear as their directory
	if err := d.PutContent(ctx, "/test/list/d/nested", randomContents(8)); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}
	expected = append(expected, "/test/list/d")

	keys, err := d.List(ctx, "/test/list")
	if err != nil {
		t.Fatalf("unexpected error listing: %v", err)
	}

	sort.Strings(keys)
	if len(keys) != len(expected) {
		t.Fatalf("unexpected number of keys: %v != %v", keys, expected)
	}
	for i, k := range keys {
		if k != expected[i] {
			t.Fatalf("unexpected listing: %v != %v", keys, expected)
		}
	}
}

func testMove(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	contents := randomContents(32)

	if err := d.PutContent(ctx, "/test/move/src", contents); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	if err := d.Move(ctx, "/test/move/src", "/test/move/dst/deep/file"); err != nil {
		t.Fatalf("unexpected error moving: %v", err)
	}

	readContents, err := d.GetContent(ctx, "/test/move/dst/deep/file")
	if err != nil {
		t.Fatalf("unexpected error getting moved content: %v", err)
	}
	if !bytes.Equal(contents, readContents) {
		t.Fatal("moved content does not match")
	}

	if _, err := d.GetContent(ctx, "/test/move/src"); err == nil {
		t.Fatal("expected error reading moved-away path")
	}

	if err := d.Move(ctx, "/test/move/nonexistent", "/test/move/elsewhere"); err == nil {
		t.Fatal("expected error moving nonexistent path")
	}
}

func testDelete(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	for _, p := range []string{"/test/delete/dir/a", "/test/delete/dir/b", "/test/delete/file"} {
		if err := d.PutContent(ctx, p, randomContents(8)); err != nil {
			t.Fatalf("unexpected error putting content: %v", err)
		}
	}

	// recursive directory delete
	if err := d.Delete(ctx, "/test/delete/dir"); err != nil {
		t.Fatalf("unexpected error deleting directory: %v", err)
	}
	if _, err := d.GetContent(ctx, "/test/delete/dir/a"); err == nil {
		t.Fatal("expected error reading deleted content")
	}

	// single file delete
	if err := d.Delete(ctx, "/test/delete/file"); err != nil {
		t.Fatalf("unexpected error deleting file: %v", err)
	}

	if err := d.Delete(ctx, "/test/delete/nonexistent"); err == nil {
		t.Fatal("expected error deleting nonexistent path")
	}
}

func testWalk(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	files := []string{"/test/walk/a/1", "/test/walk/a/2", "/test/walk/b/3"}
	for _, p := range files {
		if err := d.PutContent(ctx, p, randomContents(8)); err != nil {
			t.Fatalf("unexpected error putting content: %v", err)
		}
	}

	var seen []string
	err := d.Walk(ctx, "/test/walk", func(fileInfo storagedriver.FileInfo) error {
		if !fileInfo.IsDir() {
			seen = append(seen, fileInfo.Path())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error walking: %v", err)
	}

	sort.Strings(seen)
	if len(seen) != len(files) {
		t.Fatalf("unexpected walk results: %v != %v", seen, files)
	}
	for i, p := range seen {
		if p != files[i] {
			t.Fatalf("unexpected walk results: %v != %v", seen, files)
		}
	}

	// ErrSkipDir prunes a subtree
	seen = nil
	err = d.Walk(ctx, "/test/walk", func(fileInfo storagedriver.FileInfo) error {
		if fileInfo.IsDir() && fileInfo.Path() == "/test/walk/a" {
			return storagedriver.ErrSkipDir
		}
		if !fileInfo.IsDir() {
			seen = append(seen, fileInfo.Path())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error walking with skip: %v", err)
	}
	if len(seen) != 1 || seen[0] != "/test/walk/b/3" {
		t.Fatalf("unexpected pruned walk results: %v", seen)
	}
}
