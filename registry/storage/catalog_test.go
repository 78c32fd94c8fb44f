package storage

import (
	"context"
	"io"
	"reflect"
	"testing"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/internal/dcontext"
	"github.com/stevedore/stevedore/reference"
	"github.com/stevedore/stevedore/registry/storage/driver/inmemory"

	"github.com/opencontainers/go-digest"
)

// setupCatalog populates a fresh registry with the named repositories, each
// holding a single linked blob so the catalog walk can find them.
func setupCatalog(t *testing.T, names []string) (context.Context, stevedore.Namespace) {
	t.Helper()

	ctx := dcontext.Background()
	registry, err := NewRegistry(ctx, inmemory.New(), EnableDelete)
	if err != nil {
		t.Fatalf("error creating registry: %v", err)
	}

	for i, name := range names {
		named, err := reference.WithName(name)
		if err != nil {
			t.Fatalf("error parsing name %q: %v", name, err)
		}
		repo, err := registry.Repository(ctx, named)
		if err != nil {
			t.Fatalf("error getting repository: %v", err)
		}

		p, dgst := randomBlob(t, int64(100+i), 256)
		uploadBlob(t, ctx, repo.Blobs(ctx), p, dgst)
	}

	return ctx, registry
}

func TestCatalog(t *testing.T) {
	names := []string{"bar/baz", "foo", "foo/a", "foo/b", "qux/one/two"}
	ctx, registry := setupCatalog(t, names)

	repos := make([]string, 10)
	n, err := registry.Repositories(ctx, repos, "")
	if err != io.EOF {
		t.Fatalf("expected io.EOF on exhausted catalog, got: %v", err)
	}
	if n != len(names) {
		t.Fatalf("unexpected repository count: %d != %d", n, len(names))
	}
	if !reflect.DeepEqual(repos[:n], names) {
		t.Fatalf("unexpected catalog: %v != %v", repos[:n], names)
	}
}

func TestCatalogPagination(t *testing.T) {
	names := []string{"bar/baz", "foo", "foo/a", "foo/b", "qux/one/two"}
	ctx, registry := setupCatalog(t, names)

	var (
		collected []string
		last      string
	)
	for {
		repos := make([]string, 2)
		n, err := registry.Repositories(ctx, repos, last)
		collected = append(collected, repos[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("error paging catalog: %v", err)
		}
		last = repos[n-1]
	}

	if !reflect.DeepEqual(collected, names) {
		t.Fatalf("unexpected paged catalog: %v != %v", collected, names)
	}
}

func TestCatalogLast(t *testing.T) {
	names := []string{"bar/baz", "foo", "foo/a", "foo/b", "qux/one/two"}
	ctx, registry := setupCatalog(t, names)

	repos := make([]string, 10)
	n, err := registry.Repositories(ctx, repos, "foo")
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got: %v", err)
	}

	expected := []string{"foo/a", "foo/b", "qux/one/two"}
	if !reflect.DeepEqual(repos[:n], expected) {
		t.Fatalf("unexpected catalog after last: %v != %v", repos[:n], expected)
	}
}

func TestCatalogEmpty(t *testing.T) {
	ctx := dcontext.Background()
	registry, err := NewRegistry(ctx, inmemory.New())
	if err != nil {
		t.Fatalf("error creating registry: %v", err)
	}

	repos := make([]string, 10)
	n, err := registry.Repositories(ctx, repos, "")
	if err != io.EOF {
		t.Fatalf("expected io.EOF on empty registry, got: %v", err)
	}
	if n != 0 {
		t.Fatalf("unexpected repository count: %d", n)
	}
}

func TestCatalogEnumerate(t *testing.T) {
	names := []string{"bar/baz", "foo", "foo/a"}
	ctx, registry := setupCatalog(t, names)

	enumerator, ok := registry.(stevedore.RepositoryEnumerator)
	if !ok {
		t.Fatal("registry does not implement RepositoryEnumerator")
	}

	var found []string
	err := enumerator.Enumerate(ctx, func(name string) error {
		found = append(found, name)
		return nil
	})
	if err != nil {
		t.Fatalf("error enumerating repositories: %v", err)
	}

	if !reflect.DeepEqual(found, names) {
		t.Fatalf("unexpected enumeration: %v != %v", found, names)
	}
}

func TestBlobEnumerate(t *testing.T) {
	names := []string{"foo", "foo/a"}
	ctx, namespace := setupCatalog(t, names)

	reg, ok := namespace.(*registry)
	if !ok {
		t.Fatal("unexpected registry implementation")
	}

	found := map[digest.Digest]struct{}{}
	err := reg.Blobs().Enumerate(ctx, func(dgst digest.Digest) error {
		found[dgst] = struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("error enumerating blobs: %v", err)
	}

	// setupCatalog uploads one distinct blob per repository.
	if len(found) != len(names) {
		t.Fatalf("unexpected blob count: %d != %d", len(found), len(names))
	}
}
