package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/reference"
	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"

	"github.com/opencontainers/go-digest"
)

// errStopWalking signals an early exit from the repository walk once the
// current query is satisfied.
var errStopWalking = errors.New("stop walking repositories")

// Repositories returns a list, or partial list, of repositories in the
// registry. Because it's a quite expensive operation, it should only be used
// when building up an initial set of repositories.
func (reg *registry) Repositories(ctx context.Context, repos []string, last string) (n int, err error) {
	var filled bool

	if len(repos) == 0 {
		return 0, errors.New("no space in slice")
	}

	root, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return 0, err
	}

	err = reg.walkRepositories(ctx, root, root, last, func(repoName string) error {
		if n == len(repos) {
			// An extra repository exists beyond the requested page, so the
			// current page must not carry io.EOF.
			filled = true
			return errStopWalking
		}

		repos[n] = repoName
		n++
		return nil
	})

	if err == errStopWalking {
		err = nil
	}
	if err != nil {
		return n, err
	}
	if !filled {
		return n, io.EOF
	}

	return n, nil
}

// Enumerate applies ingester to each repository in lexical order.
func (reg *registry) Enumerate(ctx context.Context, ingester func(string) error) error {
	root, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return err
	}

	err = reg.walkRepositories(ctx, root, root, "", ingester)
	if err == errStopWalking {
		return nil
	}
	return err
}

// Remove removes a repository directory from the underlying storage.
func (reg *registry) Remove(ctx context.Context, name reference.Named) error {
	root, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return err
	}

	return reg.driver.Delete(ctx, path.Join(root, name.Name()))
}

// walkRepositories descends through lookPath visiting each repository in
// lexical order. A directory is a repository when it holds one of the
// registry bookkeeping directories, those prefixed with an underscore.
// Repositories lexically at or before last are skipped. The walk is aborted
// when fn returns an error; errStopWalking is propagated to the caller.
func (reg *registry) walkRepositories(ctx context.Context, root, lookPath, last string, fn func(repoName string) error) error {
	children, err := reg.blobStore.driver.List(ctx, lookPath)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			// The registry is empty until the first push.
			return nil
		}

		return err
	}

	sort.Strings(children)

	isRepository := false
	for _, child := range children {
		if strings.HasPrefix(path.Base(child), "_") {
			isRepository = true
			break
		}
	}

	if isRepository {
		repoName := strings.TrimPrefix(lookPath, root+"/")
		if last == "" || repoName > last {
			if err := fn(repoName); err != nil {
				return err
			}
		}
	}

	// Repositories may nest, so always descend into plain child directories.
	for _, child := range children {
		if strings.HasPrefix(path.Base(child), "_") {
			continue
		}

		// A repository name can never sort before its parent prefix, so
		// subtrees wholly at or before last can be pruned.
		prefix := strings.TrimPrefix(child, root+"/")
		if last != "" && !strings.HasPrefix(last, prefix) && prefix <= last {
			continue
		}

		fi, err := reg.blobStore.driver.Stat(ctx, child)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			continue
		}

		if err := reg.walkRepositories(ctx, root, child, last, fn); err != nil {
			return err
		}
	}

	return nil
}

// Enumerate walks the registry's global blob store, calling ingester once
// for each stored blob digest.
func (bs *blobStore) Enumerate(ctx context.Context, ingester func(digest.Digest) error) error {
	root, err := pathFor(blobsPathSpec{})
	if err != nil {
		return err
	}

	return bs.driver.Walk(ctx, root, func(fileInfo storagedriver.FileInfo) error {
		// skip directories
		if fileInfo.IsDir() {
			return nil
		}

		currentPath := fileInfo.Path()
		// we only want to parse paths that end with /data
		_, fileName := path.Split(currentPath)
		if fileName != "data" {
			return nil
		}

		dgst, err := digestFromPath(currentPath)
		if err != nil {
			return err
		}

		return ingester(dgst)
	})
}

var _ stevedore.BlobEnumerator = &blobStore{}
