package cache

import (
	"context"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/internal/dcontext"

	"github.com/opencontainers/go-digest"
)

type cachedBlobStatter struct {
	cache   stevedore.BlobDescriptorService
	backend stevedore.BlobDescriptorService
}

// NewCachedBlobStatter layers a descriptor cache over a backend statter.
// Cache faults never fail the request; the backend remains the source of
// truth and its answers are written back to the cache.
func NewCachedBlobStatter(cache stevedore.BlobDescriptorService, backend stevedore.BlobDescriptorService) stevedore.BlobDescriptorService {
	return &cachedBlobStatter{
		cache:   cache,
		backend: backend,
	}
}

func (cbds *cachedBlobStatter) Stat(ctx context.Context, dgst digest.Digest) (stevedore.Descriptor, error) {
	desc, err := cbds.cache.Stat(ctx, dgst)
	if err == nil {
		return desc, nil
	}
	if err != stevedore.ErrBlobUnknown {
		dcontext.GetLogger(ctx).Errorf("error retrieving descriptor from cache: %v", err)
	}

	desc, err = cbds.backend.Stat(ctx, dgst)
	if err != nil {
		return desc, err
	}

	if err := cbds.cache.SetDescriptor(ctx, dgst, desc); err != nil {
		dcontext.GetLogger(ctx).Errorf("error adding descriptor %v to cache: %v", desc.Digest, err)
	}

	return desc, nil
}

func (cbds *cachedBlobStatter) Clear(ctx context.Context, dgst digest.Digest) error {
	if err := cbds.cache.Clear(ctx, dgst); err != nil {
		return err
	}

	return cbds.backend.Clear(ctx, dgst)
}

func (cbds *cachedBlobStatter) SetDescriptor(ctx context.Context, dgst digest.Digest, desc stevedore.Descriptor) error {
	if err := cbds.cache.SetDescriptor(ctx, dgst, desc); err != nil {
		dcontext.GetLogger(ctx).Errorf("error adding descriptor %v to cache: %v", desc.Digest, err)
	}
	return nil
}
