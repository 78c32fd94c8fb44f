package storage

import (
	"context"
	"io"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/internal/dcontext"
	driver "github.com/stevedore/stevedore/registry/storage/driver"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// blobStore implements the read side of the blob store interface over a
// driver without enforcing per-repository membership. This object is
// intentionally a leaky abstraction, providing utility methods that support
// creating and traversing backend links.
type blobStore struct {
	driver  driver.StorageDriver
	statter stevedore.BlobStatter
}

var _ stevedore.BlobProvider = &blobStore{}

// Get implements the BlobReadService.Get call.
func (bs *blobStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	bp, err := bs.path(dgst)
	if err != nil {
		return nil, err
	}

	p, err := bs.driver.GetContent(ctx, bp)
	if err != nil {
		switch err.(type) {
		case driver.PathNotFoundError:
			return nil, stevedore.ErrBlobUnknown
		}

		return nil, err
	}

	return p, nil
}

func (bs *blobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, error) {
	desc, err := bs.statter.Stat(ctx, dgst)
	if err != nil {
		return nil, err
	}

	path, err := bs.path(desc.Digest)
	if err != nil {
		return nil, err
	}

	return newFileReader(ctx, bs.driver, path, desc.Size)
}

// Put stores the content p in the blob store, calculating the digest. If the
// content is already present, only the digest will be returned. This should
// only be used for small objects, such as manifests. This implemented as a
// round trip: check if it exists, if not, write it, then check again.
func (bs *blobStore) Put(ctx context.Context, mediaType string, p []byte) (stevedore.Descriptor, error) {
	dgst := digest.FromBytes(p)
	desc, err := bs.statter.Stat(ctx, dgst)
	if err == nil {
		// content already present
		return desc, nil
	} else if err != stevedore.ErrBlobUnknown {
		// real error, return it
		return stevedore.Descriptor{}, err
	}

	bp, err := bs.path(dgst)
	if err != nil {
		return stevedore.Descriptor{}, err
	}

	return stevedore.Descriptor{
		Size: int64(len(p)),

		// NOTE: The central blob store firewalls media types from tags,
		// leaving this only useful for foreign layer identification at this
		// layer.
		MediaType: mediaType,
		Digest:    dgst,
	}, bs.driver.PutContent(ctx, bp, p)
}

// path returns the canonical path for the blob identified by digest. The
// blob may or may not exist.
func (bs *blobStore) path(dgst digest.Digest) (string, error) {
	bp, err := pathFor(blobDataPathSpec{
		digest: dgst,
	})
	if err != nil {
		return "", err
	}

	return bp, nil
}

// link links the path to the provided digest by writing the digest into the
// target file. Caller must ensure that the blob actually exists.
func (bs *blobStore) link(ctx context.Context, path string, dgst digest.Digest) error {
	// The contents of the "link" file are the exact string contents of the
	// digest, which is specified in that package.
	return bs.driver.PutContent(ctx, path, []byte(dgst))
}

// readlink returns the linked digest at path.
func (bs *blobStore) readlink(ctx context.Context, path string) (digest.Digest, error) {
	content, err := bs.driver.GetContent(ctx, path)
	if err != nil {
		return "", err
	}

	linked, err := digest.Parse(string(content))
	if err != nil {
		return "", err
	}

	return linked, nil
}

type blobStatter struct {
	driver driver.StorageDriver
}

var _ stevedore.BlobDescriptorService = &blobStatter{}

// Stat implements BlobStatter.Stat by returning the descriptor for the blob
// in the main blob store. If this method returns successfully, there is
// strong guarantee that the blob exists and is available.
func (bs *blobStatter) Stat(ctx context.Context, dgst digest.Digest) (stevedore.Descriptor, error) {
	path, err := pathFor(blobDataPathSpec{
		digest: dgst,
	})
	if err != nil {
		return stevedore.Descriptor{}, err
	}

	fi, err := bs.driver.Stat(ctx, path)
	if err != nil {
		switch err := err.(type) {
		case driver.PathNotFoundError:
			return stevedore.Descriptor{}, stevedore.ErrBlobUnknown
		default:
			return stevedore.Descriptor{}, err
		}
	}

	if fi.IsDir() {
		// NOTE: This represents a corruption situation. Somehow, we calculated a
		// blob path and then detected a directory. We log the error and then
		// error on the side of not knowing about the blob.
		dcontext.GetLogger(ctx).Warnf("blob path should not be a directory: %q", path)
		return stevedore.Descriptor{}, stevedore.ErrBlobUnknown
	}

	return stevedore.Descriptor{
		Size: fi.Size(),

		// NOTE: The central blob store firewalls media types from tags,
		// leaving this only useful for foreign layer identification at this
		// layer. A proper media type is set when the blob is linked into a
		// repository.
		MediaType: v1.MediaTypeImageLayer,
		Digest:    dgst,
	}, nil
}

func (bs *blobStatter) Clear(ctx context.Context, dgst digest.Digest) error {
	return stevedore.ErrUnsupported
}

func (bs *blobStatter) SetDescriptor(ctx context.Context, dgst digest.Digest, desc stevedore.Descriptor) error {
	return stevedore.ErrUnsupported
}
