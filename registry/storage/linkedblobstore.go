package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/internal/dcontext"
	"github.com/stevedore/stevedore/internal/uuid"
	"github.com/stevedore/stevedore/reference"
	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"

	"github.com/opencontainers/go-digest"
)

// linkPathFunc describes a function that can resolve a link based on the
// repository name and digest.
type linkPathFunc func(name string, dgst digest.Digest) (string, error)

// linkedBlobStore scopes the global blob store to one repository. A blob
// is visible here only if a link file for its digest exists under the
// repository, so the store mostly manages links.
type linkedBlobStore struct {
	*blobStore
	registry             *registry
	blobServer           stevedore.BlobServer
	blobAccessController stevedore.BlobDescriptorService
	repository           stevedore.Repository
	ctx                  context.Context // only to be used where context can't come through method args
	deleteEnabled        bool

	// linkPath selects which link set the store reads and writes.
	// Layer links and manifest revision links live in separate folders
	// under the repository.
	linkPath linkPathFunc

	// linkDirectoryPathSpec roots the enumeration of existing links.
	linkDirectoryPathSpec pathSpec
}

var _ stevedore.BlobStore = &linkedBlobStore{}

func (lbs *linkedBlobStore) Stat(ctx context.Context, dgst digest.Digest) (stevedore.Descriptor, error) {
	return lbs.blobAccessController.Stat(ctx, dgst)
}

func (lbs *linkedBlobStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	canonical, err := lbs.Stat(ctx, dgst) // access check
	if err != nil {
		return nil, err
	}

	return lbs.blobStore.Get(ctx, canonical.Digest)
}

func (lbs *linkedBlobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, error) {
	canonical, err := lbs.Stat(ctx, dgst) // access check
	if err != nil {
		return nil, err
	}

	return lbs.blobStore.Open(ctx, canonical.Digest)
}

func (lbs *linkedBlobStore) ServeBlob(ctx context.Context, w http.ResponseWriter, r *http.Request, dgst digest.Digest) error {
	canonical, err := lbs.Stat(ctx, dgst) // access check
	if err != nil {
		return err
	}

	if canonical.MediaType != "" {
		// The link-level mediatype overrides the global one.
		w.Header().Set("Content-Type", canonical.MediaType)
	}

	return lbs.blobServer.ServeBlob(ctx, w, r, canonical.Digest)
}

func (lbs *linkedBlobStore) Put(ctx context.Context, mediaType string, p []byte) (stevedore.Descriptor, error) {
	dgst := digest.FromBytes(p)
	// The payload lands in the global store before any link exists.
	desc, err := lbs.blobStore.Put(ctx, mediaType, p)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error putting into main store: %v", err)
		return stevedore.Descriptor{}, err
	}

	if err := lbs.blobAccessController.SetDescriptor(ctx, dgst, desc); err != nil {
		return stevedore.Descriptor{}, err
	}

	return desc, lbs.linkBlob(ctx, desc)
}

// createOptions is a collection of blob creation modifiers relevant to
// general blob storage intended to be configured by the BlobCreateOption.Apply
// method.
type createOptions struct {
	Mount struct {
		ShouldMount bool
		From        reference.Canonical
		// Stat allows to pass precalculated descriptor to link and return.
		// Blob access check will be skipped if set.
		Stat *stevedore.Descriptor
	}
}

type optionFunc func(interface{}) error

func (f optionFunc) Apply(v interface{}) error {
	return f(v)
}

// WithMountFrom returns a BlobCreateOption which designates that the blob
// should be mounted from the given canonical reference.
func WithMountFrom(ref reference.Canonical) stevedore.BlobCreateOption {
	return optionFunc(func(v interface{}) error {
		opts, ok := v.(*createOptions)
		if !ok {
			return fmt.Errorf("unexpected options type: %T", v)
		}

		opts.Mount.ShouldMount = true
		opts.Mount.From = ref

		return nil
	})
}

// Create begins a blob write session, returning a handle.
func (lbs *linkedBlobStore) Create(ctx context.Context, options ...stevedore.BlobCreateOption) (stevedore.BlobWriter, error) {
	dcontext.GetLogger(ctx).Debug("(*linkedBlobStore).Create")

	var opts createOptions

	for _, option := range options {
		err := option.Apply(&opts)
		if err != nil {
			return nil, err
		}
	}

	if opts.Mount.ShouldMount {
		desc, err := lbs.mount(ctx, opts.Mount.From, opts.Mount.From.Digest(), opts.Mount.Stat)
		if err == nil {
			// Mount successful, no need to initiate an upload session
			return nil, stevedore.ErrBlobMounted{From: opts.Mount.From, Descriptor: desc}
		}
	}

	uuid := uuid.Generate()
	startedAt := time.Now().UTC()

	path, err := pathFor(uploadDataPathSpec{
		name: lbs.repository.Named().Name(),
		id:   uuid,
	})
	if err != nil {
		return nil, err
	}

	startedAtPath, err := pathFor(uploadStartedAtPathSpec{
		name: lbs.repository.Named().Name(),
		id:   uuid,
	})
	if err != nil {
		return nil, err
	}

	// The startedat file timestamps the session for expiry purging.
	if err := lbs.blobStore.driver.PutContent(ctx, startedAtPath, []byte(startedAt.Format(time.RFC3339))); err != nil {
		return nil, err
	}

	if err := lbs.registry.claimUpload(uuid); err != nil {
		return nil, err
	}

	return lbs.newBlobUpload(ctx, uuid, path, startedAt, false)
}

// Resume continues an in-progress blob write session.
func (lbs *linkedBlobStore) Resume(ctx context.Context, id string) (stevedore.BlobWriter, error) {
	dcontext.GetLogger(ctx).Debug("(*linkedBlobStore).Resume")

	startedAtPath, err := pathFor(uploadStartedAtPathSpec{
		name: lbs.repository.Named().Name(),
		id:   id,
	})
	if err != nil {
		return nil, err
	}

	startedAtBytes, err := lbs.blobStore.driver.GetContent(ctx, startedAtPath)
	if err != nil {
		switch err := err.(type) {
		case storagedriver.PathNotFoundError:
			return nil, stevedore.ErrBlobUploadUnknown
		default:
			return nil, err
		}
	}

	startedAt, err := time.Parse(time.RFC3339, string(startedAtBytes))
	if err != nil {
		return nil, err
	}

	path, err := pathFor(uploadDataPathSpec{
		name: lbs.repository.Named().Name(),
		id:   id,
	})
	if err != nil {
		return nil, err
	}

	// Claim after the existence check so an unknown id still reports
	// ErrBlobUploadUnknown rather than a busy session.
	if err := lbs.registry.claimUpload(id); err != nil {
		return nil, err
	}

	return lbs.newBlobUpload(ctx, id, path, startedAt, true)
}

// Delete unlinks the digest from the repository. The payload stays in
// the global store.
func (lbs *linkedBlobStore) Delete(ctx context.Context, dgst digest.Digest) error {
	if !lbs.deleteEnabled {
		return stevedore.ErrUnsupported
	}

	// Only a linked blob can be unlinked.
	_, err := lbs.blobAccessController.Stat(ctx, dgst)
	if err != nil {
		return err
	}

	err = lbs.blobAccessController.Clear(ctx, dgst)
	if err != nil {
		return err
	}

	return nil
}

func (lbs *linkedBlobStore) Enumerate(ctx context.Context, ingestor func(digest.Digest) error) error {
	rootPath, err := pathFor(lbs.linkDirectoryPathSpec)
	if err != nil {
		return err
	}

	return lbs.driver.Walk(ctx, rootPath, func(fileInfo storagedriver.FileInfo) error {
		if fileInfo.IsDir() {
			return nil
		}

		_, fileName := path.Split(fileInfo.Path())
		if fileName != "link" {
			return nil
		}

		digest, err := digestFromPath(fileInfo.Path())
		if err != nil {
			return err
		}

		// The walk covers every link folder; only report digests
		// reachable through this store's configured link sets.
		_, err = lbs.Stat(ctx, digest)
		if err != nil {
			if err == stevedore.ErrBlobUnknown {
				return nil
			}
			return err
		}

		err = ingestor(digest)
		if err != nil {
			return err
		}

		return nil
	})
}

// mount attaches the blob identified by sourceRepo and dgst to the receiving
// repository by writing a link. If stat is non-nil, the access check against
// the source repository is skipped.
func (lbs *linkedBlobStore) mount(ctx context.Context, sourceRepo reference.Named, dgst digest.Digest, sourceStat *stevedore.Descriptor) (stevedore.Descriptor, error) {
	var stat stevedore.Descriptor
	if sourceStat == nil {
		repo, err := lbs.registry.Repository(ctx, sourceRepo)
		if err != nil {
			return stevedore.Descriptor{}, err
		}
		stat, err = repo.Blobs(ctx).Stat(ctx, dgst)
		if err != nil {
			return stevedore.Descriptor{}, err
		}
	} else {
		stat = *sourceStat
	}

	desc := stevedore.Descriptor{
		Size:      stat.Size,
		MediaType: stat.MediaType,
		Digest:    dgst,
	}
	return desc, lbs.linkBlob(ctx, desc)
}

// newBlobUpload allocates a new upload controller with the given state. The
// caller must already hold the session claim for uuid; the returned writer
// owns it from here until released.
func (lbs *linkedBlobStore) newBlobUpload(ctx context.Context, uuid, path string, startedAt time.Time, appendMode bool) (stevedore.BlobWriter, error) {
	fw, err := lbs.driver.Writer(ctx, path, appendMode)
	if err != nil {
		lbs.registry.releaseUpload(uuid)
		return nil, err
	}

	bw := &blobWriter{
		ctx:        ctx,
		blobStore:  lbs,
		id:         uuid,
		startedAt:  startedAt,
		digester:   digest.Canonical.Digester(),
		fileWriter: fw,
		driver:     lbs.driver,
		path:       path,
		resumed:    fw.Size() > 0,
	}

	return bw, nil
}

// linkBlob records the committed blob under every configured link set
// for this repository.
func (lbs *linkedBlobStore) linkBlob(ctx context.Context, canonical stevedore.Descriptor, aliases ...digest.Digest) error {
	dgsts := append([]digest.Digest{canonical.Digest}, aliases...)

	for _, dgst := range dgsts {
		blobLinkPath, err := lbs.linkPath(lbs.repository.Named().Name(), dgst)
		if err != nil {
			return err
		}

		if err := lbs.blobStore.link(ctx, blobLinkPath, canonical.Digest); err != nil {
			return err
		}
	}

	return nil
}

type linkedBlobStatter struct {
	*blobStore
	repository stevedore.Repository

	// linkPath selects which link set this statter consults.
	linkPath linkPathFunc
}

var _ stevedore.BlobDescriptorService = &linkedBlobStatter{}

func (lbs *linkedBlobStatter) Stat(ctx context.Context, dgst digest.Digest) (stevedore.Descriptor, error) {
	blobLinkPath, err := lbs.linkPath(lbs.repository.Named().Name(), dgst)
	if err != nil {
		return stevedore.Descriptor{}, err
	}

	target, err := lbs.blobStore.readlink(ctx, blobLinkPath)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return stevedore.Descriptor{}, stevedore.ErrBlobUnknown
		default:
			return stevedore.Descriptor{}, err
		}
	}

	if target != dgst {
		// A link may resolve to a digest under another algorithm.
		dcontext.GetLogger(ctx).Warnf("looking up blob with canonical digest: %v -> %v", dgst, target)
	}

	// The link carries no size; the global store does.
	return lbs.blobStore.statter.Stat(ctx, target)
}

func (lbs *linkedBlobStatter) Clear(ctx context.Context, dgst digest.Digest) (err error) {
	blobLinkPath, err := lbs.linkPath(lbs.repository.Named().Name(), dgst)
	if err != nil {
		return err
	}

	return lbs.blobStore.driver.Delete(ctx, blobLinkPath)
}

func (lbs *linkedBlobStatter) SetDescriptor(ctx context.Context, dgst digest.Digest, desc stevedore.Descriptor) error {
	// The canonical descriptor for a blob is set at link time.
	return nil
}

// blobLinkPath resolves a layer link location.
func blobLinkPath(name string, dgst digest.Digest) (string, error) {
	return pathFor(layerLinkPathSpec{name: name, digest: dgst})
}

// manifestRevisionLinkPath resolves a manifest revision link location.
func manifestRevisionLinkPath(name string, dgst digest.Digest) (string, error) {
	return pathFor(manifestRevisionLinkPathSpec{name: name, revision: dgst})
}
