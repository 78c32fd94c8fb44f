package storage

import (
	"context"
	"sync"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/reference"
	"github.com/stevedore/stevedore/registry/storage/cache"
	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"
)

// registry is the top-level implementation of Registry for use in the
// storage package. All instances should descend from this object.
type registry struct {
	blobStore                   *blobStore
	blobServer                  *blobServer
	statter                     *blobStatter // global statter service.
	blobDescriptorCacheProvider cache.BlobDescriptorCacheProvider
	deleteEnabled               bool
	driver                      storagedriver.StorageDriver

	// uploadClaims tracks upload sessions with an open writer. At most one
	// writer may hold a session at a time, so appends never interleave.
	uploadClaims sync.Map
}

// claimUpload marks the upload session id as having an open writer. It
// returns stevedore.ErrBlobUploadBusy if another writer already holds the
// session.
func (reg *registry) claimUpload(id string) error {
	if _, loaded := reg.uploadClaims.LoadOrStore(id, struct{}{}); loaded {
		return stevedore.ErrBlobUploadBusy
	}
	return nil
}

// releaseUpload returns the upload session id to the unclaimed state.
func (reg *registry) releaseUpload(id string) {
	reg.uploadClaims.Delete(id)
}

// RegistryOption is the type used for functional options for NewRegistry.
type RegistryOption func(*registry) error

// EnableRedirect is a functional option for NewRegistry. It causes the
// backend blob server to attempt using (StorageDriver).RedirectURL to serve
// all blobs.
func EnableRedirect(registry *registry) error {
	registry.blobServer.redirect = true
	return nil
}

// EnableDelete is a functional option for NewRegistry. It enables deletion on
// the registry.
func EnableDelete(registry *registry) error {
	registry.deleteEnabled = true
	return nil
}

// BlobDescriptorCacheProvider returns a functional option for NewRegistry.
// It creates a cached blob statter for use by the registry.
func BlobDescriptorCacheProvider(blobDescriptorCacheProvider cache.BlobDescriptorCacheProvider) RegistryOption {
	return func(registry *registry) error {
		if blobDescriptorCacheProvider != nil {
			statter := cache.NewCachedBlobStatter(blobDescriptorCacheProvider, registry.statter)
			registry.blobStore.statter = statter
			registry.blobServer.statter = statter
			registry.blobDescriptorCacheProvider = blobDescriptorCacheProvider
		}
		return nil
	}
}

// NewRegistry creates a new registry instance from the provided driver. The
// resulting registry may be shared by multiple goroutines but is cheap to
// allocate. If the Redirect option is specified, the backend blob server will
// attempt to use (StorageDriver).RedirectURL to serve all blobs.
func NewRegistry(ctx context.Context, driver storagedriver.StorageDriver, options ...RegistryOption) (stevedore.Namespace, error) {
	// create global statter
	statter := &blobStatter{
		driver: driver,
	}

	bs := &blobStore{
		driver:  driver,
		statter: statter,
	}

	registry := &registry{
		blobStore: bs,
		blobServer: &blobServer{
			driver:  driver,
			statter: statter,
			pathFn:  bs.path,
		},
		statter: statter,
		driver:  driver,
	}

	for _, option := range options {
		if err := option(registry); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// Repository returns an instance of the repository tied to the registry.
// Instances should not be shared between goroutines but are cheap to
// allocate. In general, they should be request scoped.
func (reg *registry) Repository(ctx context.Context, canonicalName reference.Named) (stevedore.Repository, error) {
	var descriptorCache stevedore.BlobDescriptorService
	if reg.blobDescriptorCacheProvider != nil {
		var err error
		descriptorCache, err = reg.blobDescriptorCacheProvider.RepositoryScoped(canonicalName.Name())
		if err != nil {
			return nil, err
		}
	}

	return &repository{
		ctx:             ctx,
		registry:        reg,
		name:            canonicalName,
		descriptorCache: descriptorCache,
	}, nil
}

func (reg *registry) Blobs() stevedore.BlobEnumerator {
	return reg.blobStore
}

func (reg *registry) BlobStatter() stevedore.BlobStatter {
	return reg.statter
}

// repository provides name-scoped access to various services.
type repository struct {
	*registry
	ctx             context.Context
	name            reference.Named
	descriptorCache stevedore.BlobDescriptorService
}

// Named returns the name of the repository.
func (repo *repository) Named() reference.Named {
	return repo.name
}

// Tags returns the tag service for this repository.
func (repo *repository) Tags(ctx context.Context) stevedore.TagService {
	return &tagStore{
		repository: repo,
		blobStore:  repo.registry.blobStore,
	}
}

// Manifests returns an instance of ManifestService backed by the repository's
// revision store.
func (repo *repository) Manifests(ctx context.Context) stevedore.ManifestService {
	manifestLinkPathFns := manifestRevisionLinkPath

	var statter stevedore.BlobDescriptorService = &linkedBlobStatter{
		blobStore:  repo.blobStore,
		repository: repo,
		linkPath:   manifestLinkPathFns,
	}

	if repo.registry.blobDescriptorCacheProvider != nil && repo.descriptorCache != nil {
		statter = cache.NewCachedBlobStatter(repo.descriptorCache, statter)
	}

	blobStore := &linkedBlobStore{
		ctx:                  ctx,
		blobStore:            repo.blobStore,
		repository:           repo,
		deleteEnabled:        repo.registry.deleteEnabled,
		blobAccessController: statter,
		registry:             repo.registry,

		// manifest blobs are linked under the revision directory
		linkPath:              manifestLinkPathFns,
		linkDirectoryPathSpec: manifestRevisionsPathSpec{name: repo.name.Name()},
	}

	return &manifestStore{
		ctx:        ctx,
		repository: repo,
		blobStore:  blobStore,
	}
}

// Blobs returns an instance of the BlobStore. Instances should not be shared
// between goroutines and are cheap to allocate.
func (repo *repository) Blobs(ctx context.Context) stevedore.BlobStore {
	var statter stevedore.BlobDescriptorService = &linkedBlobStatter{
		blobStore:  repo.blobStore,
		repository: repo,
		linkPath:   blobLinkPath,
	}

	if repo.descriptorCache != nil {
		statter = cache.NewCachedBlobStatter(repo.descriptorCache, statter)
	}

	return &linkedBlobStore{
		registry:             repo.registry,
		blobStore:            repo.blobStore,
		blobServer:           repo.registry.blobServer,
		blobAccessController: statter,
		repository:           repo,
		ctx:                  ctx,

		// linkPath limits this blob store to only layers. This instance
		// cannot be used for manifest checks.
		linkPath:              blobLinkPath,
		linkDirectoryPathSpec: layersPathSpec{name: repo.name.Name()},
		deleteEnabled:         repo.registry.deleteEnabled,
	}
}
