package stevedore

import (
	"context"

	"github.com/stevedore/stevedore/reference"
)

// Namespace represents a collection of repositories, addressable by name.
// Generally, a namespace is backed by a set of one or more services,
// providing facilities such as registry access, trust, and indexing.
type Namespace interface {
	// Repository should return a reference to the named repository. The
	// registry may or may not have the repository but should always return a
	// reference.
	Repository(ctx context.Context, name reference.Named) (Repository, error)

	// Repositories fills 'repos' with a lexicographically sorted catalog of
	// repositories up to the size of 'repos' and returns the value 'n' for
	// the number of entries which were filled. 'last' contains an offset in
	// the catalog, and 'err' will be set to io.EOF if there are no more
	// entries to obtain.
	Repositories(ctx context.Context, repos []string, last string) (n int, err error)
}

// RepositoryEnumerator describes an operation to enumerate repositories.
type RepositoryEnumerator interface {
	Enumerate(ctx context.Context, ingester func(string) error) error
}

// Repository is a named collection of manifests and layers.
type Repository interface {
	// Named returns the name of the repository.
	Named() reference.Named

	// Manifests returns a reference to this repository's manifest service.
	Manifests(ctx context.Context) ManifestService

	// Blobs returns a reference to this repository's blob service.
	Blobs(ctx context.Context) BlobStore

	// Tags returns a reference to this repositories tag service.
	Tags(ctx context.Context) TagService
}
