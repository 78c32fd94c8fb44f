// Package base centralizes the path and offset validation every storage
// driver must perform, so concrete drivers only implement backend I/O.
//
// A driver keeps its implementation unexported and exports a thin
// wrapper embedding Base:
//
//	type driver struct { ... }
//
//	type Driver struct {
//		base.Base
//	}
//
// Calls then pass through Base, which validates arguments and stamps the
// driver's name onto any error before and after delegating.
package base

import (
	"context"
	"errors"
	"io"
	"net/http"

	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"
)

// Base wraps a StorageDriver with argument validation and error
// attribution.
type Base struct {
	storagedriver.StorageDriver
}

// setDriverName stamps the driver's name onto a returned error so
// callers can tell which backend failed.
func (base *Base) setDriverName(e error) error {
	if e == nil {
		return nil
	}
	switch {
	case errors.As(e, &storagedriver.ErrUnsupportedMethod{}):
		return storagedriver.ErrUnsupportedMethod{DriverName: base.StorageDriver.Name()}
	case errors.As(e, &storagedriver.PathNotFoundError{}):
		var pathNotFound storagedriver.PathNotFoundError
		errors.As(e, &pathNotFound)
		pathNotFound.DriverName = base.StorageDriver.Name()
		return pathNotFound
	case errors.As(e, &storagedriver.InvalidPathError{}):
		var invalidPath storagedriver.InvalidPathError
		errors.As(e, &invalidPath)
		invalidPath.DriverName = base.StorageDriver.Name()
		return invalidPath
	case errors.As(e, &storagedriver.InvalidOffsetError{}):
		var invalidOffset storagedriver.InvalidOffsetError
		errors.As(e, &invalidOffset)
		invalidOffset.DriverName = base.StorageDriver.Name()
		return invalidOffset
	default:
		return storagedriver.Error{
			DriverName: base.StorageDriver.Name(),
			Detail:     e,
		}
	}
}

// GetContent validates path before delegating.
func (base *Base) GetContent(ctx context.Context, path string) ([]byte, error) {
	if !storagedriver.PathRegexp.MatchString(path) {
		return nil, storagedriver.InvalidPathError{Path: path, DriverName: base.StorageDriver.Name()}
	}

	b, e := base.StorageDriver.GetContent(ctx, path)
	return b, base.setDriverName(e)
}

// PutContent validates path before delegating.
func (base *Base) PutContent(ctx context.Context, path string, content []byte) error {
	if !storagedriver.PathRegexp.MatchString(path) {
		return storagedriver.InvalidPathError{Path: path, DriverName: base.StorageDriver.Name()}
	}

	return base.setDriverName(base.StorageDriver.PutContent(ctx, path, content))
}

// Reader validates path and offset before delegating.
func (base *Base) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset, DriverName: base.StorageDriver.Name()}
	}

	if !storagedriver.PathRegexp.MatchString(path) {
		return nil, storagedriver.InvalidPathError{Path: path, DriverName: base.StorageDriver.Name()}
	}

	rc, e := base.StorageDriver.Reader(ctx, path, offset)
	return rc, base.setDriverName(e)
}

// Writer validates path before delegating.
func (base *Base) Writer(ctx context.Context, path string, append bool) (storagedriver.FileWriter, error) {
	if !storagedriver.PathRegexp.MatchString(path) {
		return nil, storagedriver.InvalidPathError{Path: path, DriverName: base.StorageDriver.Name()}
	}

	writer, e := base.StorageDriver.Writer(ctx, path, append)
	return writer, base.setDriverName(e)
}

// Stat validates path before delegating. The root path is allowed.
func (base *Base) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	if !storagedriver.PathRegexp.MatchString(path) && path != "/" {
		return nil, storagedriver.InvalidPathError{Path: path, DriverName: base.StorageDriver.Name()}
	}

	fi, e := base.StorageDriver.Stat(ctx, path)
	return fi, base.setDriverName(e)
}

// List validates path before delegating. The root path is allowed.
func (base *Base) List(ctx context.Context, path string) ([]string, error) {
	if !storagedriver.PathRegexp.MatchString(path) && path != "/" {
		return nil, storagedriver.InvalidPathError{Path: path, DriverName: base.StorageDriver.Name()}
	}

	str, e := base.StorageDriver.List(ctx, path)
	return str, base.setDriverName(e)
}

// Move validates both paths before delegating.
func (base *Base) Move(ctx context.Context, sourcePath string, destPath string) error {
	if !storagedriver.PathRegexp.MatchString(sourcePath) {
		return storagedriver.InvalidPathError{Path: sourcePath, DriverName: base.StorageDriver.Name()}
	} else if !storagedriver.PathRegexp.MatchString(destPath) {
		return storagedriver.InvalidPathError{Path: destPath, DriverName: base.StorageDriver.Name()}
	}

	return base.setDriverName(base.StorageDriver.Move(ctx, sourcePath, destPath))
}

// Delete validates path before delegating.
func (base *Base) Delete(ctx context.Context, path string) error {
	if !storagedriver.PathRegexp.MatchString(path) {
		return storagedriver.InvalidPathError{Path: path, DriverName: base.StorageDriver.Name()}
	}

	return base.setDriverName(base.StorageDriver.Delete(ctx, path))
}

// RedirectURL validates path before delegating.
func (base *Base) RedirectURL(r *http.Request, path string) (string, error) {
	if !storagedriver.PathRegexp.MatchString(path) {
		return "", storagedriver.InvalidPathError{Path: path, DriverName: base.StorageDriver.Name()}
	}

	str, e := base.StorageDriver.RedirectURL(r, path)
	return str, base.setDriverName(e)
}

// Walk validates path before delegating. The root path is allowed.
func (base *Base) Walk(ctx context.Context, path string, f storagedriver.WalkFn, options ...func(*storagedriver.WalkOptions)) error {
	if !storagedriver.PathRegexp.MatchString(path) && path != "/" {
		return storagedriver.InvalidPathError{Path: path, DriverName: base.StorageDriver.Name()}
	}

	return base.setDriverName(base.StorageDriver.Walk(ctx, path, f, options...))
}
