// Package inmemory provides a volatile storage driver backed by a simple
// in-process path map. Intended for testing and development, not for
// production use: all content is held in memory and lost on restart.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"
	"github.com/stevedore/stevedore/registry/storage/driver/base"
	"github.com/stevedore/stevedore/registry/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory interface.
type inMemoryDriverFactory struct{}

func (factory *inMemoryDriverFactory) Create(parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type memFile struct {
	data    []byte
	modtime time.Time
}

type driver struct {
	mu    sync.RWMutex
	files map[string]*memFile // keyed by clean absolute path
}

// baseEmbed allows us to hide the Base embed.
type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by a local
// map. All  provided paths will be subpaths of the RootDirectory "/".
type Driver struct {
	baseEmbed
}

// New constructs a new Driver.
func New() *Driver {
	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: &driver{
					files: make(map[string]*memFile),
				},
			},
		},
	}
}

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	buf := make([]byte, len(f.data))
	copy(buf, f.data)
	return buf, nil
}

// PutContent stores the []byte content at a location designated by "path".
func (d *driver) PutContent(ctx context.Context, path string, contents []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, len(contents))
	copy(buf, contents)
	d.files[path] = &memFile{data: buf, modtime: time.Now()}
	return nil
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}

	if offset > int64(len(f.data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	buf := make([]byte, int64(len(f.data))-offset)
	copy(buf, f.data[offset:])
	return io.NopCloser(bytes.NewReader(buf)), nil
}

// Writer returns a FileWriter which will store the content written to it at
// the location designated by "path".
func (d *driver) Writer(ctx context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[path]
	if !append || !ok {
		f = &memFile{modtime: time.Now()}
		d.files[path] = f
	}

	return &writer{d: d, path: path, size: int64(len(f.data))}, nil
}

// Stat returns info about the provided path.
func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	fi := storagedriver.FileInfoFields{Path: path}

	if f, ok := d.files[path]; ok {
		fi.Size = int64(len(f.data))
		fi.ModTime = f.modtime
		return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
	}

	if d.isDir(path) {
		fi.IsDir = true
		return storagedriver.FileInfoInternal{FileInfoFields: fi}, nil
	}

	return nil, storagedriver.PathNotFoundError{Path: path}
}

// List returns a list of the objects that are direct descendants of the
// given path.
func (d *driver) List(ctx context.Context, path string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	normalized := strings.TrimRight(path, "/")
	prefix := normalized + "/"
	if normalized == "" {
		prefix = "/"
	}

	entries := map[string]struct{}{}
	for p := range d.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}

		rest := p[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		entries[prefix+rest] = struct{}{}
	}

	if len(entries) == 0 && normalized != "" {
		if _, ok := d.files[normalized]; !ok {
			return nil, storagedriver.PathNotFoundError{Path: path}
		}
		// path names a file, not a directory
		return nil, nil
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Move moves an object stored at sourcePath to destPath, removing the
// original object.
func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.files[sourcePath]; ok {
		delete(d.files, sourcePath)
		d.files[destPath] = f
		f.modtime = time.Now()
		return nil
	}

	// directory move
	prefix := sourcePath + "/"
	moved := false
	for p, f := range d.files {
		if strings.HasPrefix(p, prefix) {
			delete(d.files, p)
			d.files[destPath+"/"+p[len(prefix):]] = f
			moved = true
		}
	}

	if !moved {
		return storagedriver.PathNotFoundError{Path: sourcePath}
	}
	return nil
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *driver) Delete(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	deleted := false
	if _, ok := d.files[path]; ok {
		delete(d.files, path)
		deleted = true
	}

	prefix := path + "/"
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			delete(d.files, p)
			deleted = true
		}
	}

	if !deleted {
		return storagedriver.PathNotFoundError{Path: path}
	}
	return nil
}

// RedirectURL returns no redirect url; the in-memory driver always serves
// content itself.
func (d *driver) RedirectURL(*http.Request, string) (string, error) {
	return "", nil
}

// Walk traverses a filesystem defined within driver, starting from the given
// path, calling f on each file.
func (d *driver) Walk(ctx context.Context, path string, f storagedriver.WalkFn, options ...func(*storagedriver.WalkOptions)) error {
	return storagedriver.WalkFallback(ctx, d, path, f, options...)
}

// isDir reports whether any stored file lies under path. Caller holds at
// least a read lock.
func (d *driver) isDir(path string) bool {
	prefix := strings.TrimRight(path, "/") + "/"
	if prefix == "//" {
		prefix = "/"
	}
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// writer appends to the file at path through the driver so that partial
// content is visible to concurrent readers.
type writer struct {
	d         *driver
	path      string
	size      int64
	closed    bool
	committed bool
	cancelled bool
}

var _ storagedriver.FileWriter = &writer{}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}

	w.d.mu.Lock()
	defer w.d.mu.Unlock()

	f, ok := w.d.files[w.path]
	if !ok {
		return 0, storagedriver.PathNotFoundError{Path: w.path}
	}

	f.data = append(f.data, p...)
	f.modtime = time.Now()
	w.size += int64(len(p))
	return len(p), nil
}

func (w *writer) Size() int64 {
	return w.size
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	}
	w.cancelled = true

	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	delete(w.d.files, w.path)
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}
	w.committed = true
	return nil
}
