package driver

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrSkipDir is used as a return value from a WalkFn to indicate that the
// directory named in the call is to be skipped. It is not returned as an
// error by any function.
var ErrSkipDir = errors.New("skip this directory")

// ErrFilledBuffer is used as a return value from a WalkFn to indicate that
// enough entries have been seen and the walk should stop. It is not returned
// as an error by any function.
var ErrFilledBuffer = errors.New("we have enough entries")

// WalkFn is called once per file by Walk.
type WalkFn func(fileInfo FileInfo) error

// WalkOptions provides options to the walk function that may adjust its
// behaviour.
type WalkOptions struct {
	// If StartAfterHint is set, the walk may start with the first item
	// lexicographically after the hint, but it is not guaranteed and drivers
	// may start the walk from the path.
	StartAfterHint string
}

// WithStartAfterHint sets the StartAfterHint.
func WithStartAfterHint(startAfterHint string) func(*WalkOptions) {
	return func(s *WalkOptions) {
		s.StartAfterHint = startAfterHint
	}
}

// WalkFallback traverses a filesystem defined within driver, starting from
// the given path, calling f on each regular file and directory. Ordering is
// lexicographic. It discovers entries with the List method and is intended
// for drivers without a native walk.
func WalkFallback(ctx context.Context, driver StorageDriver, from string, f WalkFn, options ...func(*WalkOptions)) error {
	walkOptions := &WalkOptions{}
	for _, o := range options {
		o(walkOptions)
	}

	startAfterHint := walkOptions.StartAfterHint
	if startAfterHint != "" && !strings.HasPrefix(startAfterHint+"/", from+"/") {
		// The hint lies outside the walked tree. Either everything under
		// from sorts after the hint, in which case the whole tree is
		// walked, or nothing does and there is nothing to do.
		if startAfterHint < from {
			startAfterHint = ""
		} else {
			return nil
		}
	}

	_, err := doWalkFallback(ctx, driver, from, startAfterHint, f)
	return err
}

// doWalkFallback performs a depth first recursive walk of the directory
// from. startAfterHint, when non-empty, is a descendant path: entries
// sorting at or before it are skipped, except ancestors of the hint itself
// which are descended into. The boolean result reports whether the walk
// should continue.
func doWalkFallback(ctx context.Context, driver StorageDriver, from string, startAfterHint string, f WalkFn) (bool, error) {
	children, err := driver.List(ctx, from)
	if err != nil {
		return false, err
	}
	sort.Strings(children)

	for _, child := range children {
		isHintAncestor := startAfterHint != "" && strings.HasPrefix(startAfterHint, child+"/")
		if startAfterHint != "" && child <= startAfterHint && !isHintAncestor {
			continue
		}

		fileInfo, err := driver.Stat(ctx, child)
		if err != nil {
			switch err.(type) {
			case PathNotFoundError:
				// Entry was removed between listing and stat. Ignore it.
				continue
			default:
				return false, err
			}
		}

		err = f(fileInfo)
		switch {
		case err == nil:
			if fileInfo.IsDir() {
				hint := ""
				if isHintAncestor {
					hint = startAfterHint
				}
				if ok, err := doWalkFallback(ctx, driver, child, hint, f); err != nil || !ok {
					return ok, err
				}
			}
		case errors.Is(err, ErrSkipDir):
			// Skip the subtree.
		case errors.Is(err, ErrFilledBuffer):
			return false, nil
		default:
			return false, err
		}
	}

	return true, nil
}
