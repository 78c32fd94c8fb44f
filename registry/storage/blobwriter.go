package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/internal/dcontext"
	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

var errMismatchedDigest = errors.New("mismatched digest")

// digestSha256Empty is the canonical sha256 digest of empty data.
const digestSha256Empty = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// blobWriter is used to control the various aspects of resumable blob
// uploads.
type blobWriter struct {
	ctx       context.Context
	blobStore *linkedBlobStore

	id        string
	startedAt time.Time
	digester  digest.Digester

	fileWriter storagedriver.FileWriter
	driver     storagedriver.StorageDriver
	path       string

	// resumed indicates the writer was opened in append mode over data the
	// digester never saw. Commit must hash the stored upload file instead of
	// using the running digest.
	resumed   bool
	committed bool

	// released records that the session claim has been surrendered. Release
	// must happen exactly once; a later request may claim the same id.
	released bool
}

// releaseClaim hands the upload session back to the registry so another
// writer may take it. Safe to call more than once.
func (bw *blobWriter) releaseClaim() {
	if bw.released {
		return
	}
	bw.released = true
	bw.blobStore.registry.releaseUpload(bw.id)
}

var _ stevedore.BlobWriter = &blobWriter{}

// ID returns the identifier for this blob.
func (bw *blobWriter) ID() string {
	return bw.id
}

func (bw *blobWriter) StartedAt() time.Time {
	return bw.startedAt
}

// Commit marks the upload as completed, returning a valid descriptor. The
// final size and digest are checked against the first descriptor provided.
func (bw *blobWriter) Commit(ctx context.Context, desc stevedore.Descriptor) (stevedore.Descriptor, error) {
	dcontext.GetLogger(ctx).Debug("(*blobWriter).Commit")

	if err := bw.fileWriter.Commit(ctx); err != nil {
		return stevedore.Descriptor{}, err
	}

	canonical, err := bw.validateBlob(ctx, desc)
	if err != nil {
		return stevedore.Descriptor{}, err
	}

	if err := bw.moveBlob(ctx, canonical); err != nil {
		return stevedore.Descriptor{}, err
	}

	if err := bw.blobStore.linkBlob(ctx, canonical, desc.Digest); err != nil {
		return stevedore.Descriptor{}, err
	}

	if err := bw.removeResources(ctx); err != nil {
		return stevedore.Descriptor{}, err
	}

	err = bw.blobStore.blobAccessController.SetDescriptor(ctx, canonical.Digest, canonical)
	if err != nil {
		return stevedore.Descriptor{}, err
	}

	bw.committed = true
	bw.releaseClaim()
	return canonical, nil
}

// Cancel the blob upload process, releasing any resources associated with
// the writer and canceling the operation.
func (bw *blobWriter) Cancel(ctx context.Context) error {
	dcontext.GetLogger(ctx).Debug("(*blobWriter).Cancel")
	if err := bw.fileWriter.Cancel(ctx); err != nil {
		return err
	}

	if err := bw.Close(); err != nil {
		dcontext.GetLogger(ctx).Errorf("error closing blobwriter: %s", err)
	}

	return bw.removeResources(ctx)
}

func (bw *blobWriter) Size() int64 {
	return bw.fileWriter.Size()
}

func (bw *blobWriter) Write(p []byte) (int, error) {
	n, err := io.MultiWriter(bw.fileWriter, bw.digester.Hash()).Write(p)
	return n, err
}

func (bw *blobWriter) Close() error {
	bw.releaseClaim()

	if bw.committed {
		return errors.New("blobwriter close after commit")
	}

	return bw.fileWriter.Close()
}

// validateBlob checks the data against the digest, returning an error if it
// does not match. The canonical descriptor is returned.
func (bw *blobWriter) validateBlob(ctx context.Context, desc stevedore.Descriptor) (stevedore.Descriptor, error) {
	var (
		verified  bool
		canonical digest.Digest
	)

	if desc.Digest == "" {
		// No blob enters the store unverified, so an upload without a target
		// digest cannot complete.
		return stevedore.Descriptor{}, stevedore.ErrBlobInvalidDigest{
			Reason: fmt.Errorf("cannot validate against empty digest"),
		}
	}

	var size int64

	if fi, err := bw.driver.Stat(ctx, bw.path); err != nil {
		switch err := err.(type) {
		case storagedriver.PathNotFoundError:
			// No data file means a zero-length upload.
			desc.Size = 0
		default:
			return stevedore.Descriptor{}, err
		}
	} else {
		if fi.IsDir() {
			return stevedore.Descriptor{}, fmt.Errorf("unexpected directory at upload location %v", bw.path)
		}

		size = fi.Size()
	}

	if desc.Size > 0 {
		if desc.Size != size {
			return stevedore.Descriptor{}, stevedore.ErrBlobInvalidLength
		}
	} else {
		// A zero or negative size means the caller left it to the store.
		desc.Size = size
	}

	if err := desc.Digest.Validate(); err != nil {
		return stevedore.Descriptor{}, stevedore.ErrBlobInvalidDigest{
			Digest: desc.Digest,
			Reason: err,
		}
	}

	if !bw.resumed && desc.Digest.Algorithm() == bw.digester.Digest().Algorithm() {
		canonical = bw.digester.Digest()
		verified = canonical == desc.Digest
	} else {
		// The running digest is missing bytes or uses the wrong algorithm.
		// Hash the uploaded file from the start.
		digester := desc.Digest.Algorithm().Digester()

		fr, err := newFileReader(ctx, bw.driver, bw.path, desc.Size)
		if err != nil {
			return stevedore.Descriptor{}, err
		}
		defer fr.Close()

		if _, err := io.Copy(digester.Hash(), fr); err != nil {
			return stevedore.Descriptor{}, err
		}

		canonical = digester.Digest()
		verified = canonical == desc.Digest
	}

	if !verified {
		dcontext.GetLoggerWithFields(ctx,
			map[any]any{
				"canonical": canonical,
				"provided":  desc.Digest,
			}, "canonical", "provided").
			Errorf("canonical digest does not match provided digest")
		return stevedore.Descriptor{}, stevedore.ErrBlobInvalidDigest{
			Digest: desc.Digest,
			Reason: errMismatchedDigest,
		}
	}

	// update desc with canonical hash
	desc.Digest = canonical

	if desc.MediaType == "" {
		desc.MediaType = v1.MediaTypeImageLayer
	}

	return desc, nil
}

// moveBlob moves the data into its final, hash-qualified destination,
// identified by dgst. The layer should be validated before commencing the
// move.
func (bw *blobWriter) moveBlob(ctx context.Context, desc stevedore.Descriptor) error {
	blobPath, err := pathFor(blobDataPathSpec{digest: desc.Digest})
	if err != nil {
		return err
	}

	// The store is content-addressable: a blob already present under the
	// canonical path carries the same bytes, so the move can be skipped.
	if _, err := bw.blobStore.driver.Stat(ctx, blobPath); err != nil {
		switch err := err.(type) {
		case storagedriver.PathNotFoundError:
		default:
			return err
		}
	} else {
		return nil
	}

	// A zero-length upload never created a data file. Materialize the empty
	// blob directly, but only for the digest the empty stream hashes to, so
	// a file lost between validate and move cannot land as an empty blob
	// under a non-empty digest.
	if _, err := bw.blobStore.driver.Stat(ctx, bw.path); err != nil {
		switch err := err.(type) {
		case storagedriver.PathNotFoundError:
			if desc.Digest == digestSha256Empty {
				return bw.blobStore.driver.PutContent(ctx, blobPath, []byte{})
			}

			// The move below fails with path not found.
			logger := dcontext.GetLoggerWithFields(ctx,
				map[any]any{
					"upload.id": bw.ID(),
					"digest":    desc.Digest,
				}, "upload.id", "digest")
			logger.Warnf("attempted to move zero-length content with non-zero digest")
		default:
			return err
		}
	}

	return bw.blobStore.driver.Move(ctx, bw.path, blobPath)
}

// removeResources deletes the upload directory, which contains the upload
// data and the startedat file.
func (bw *blobWriter) removeResources(ctx context.Context) error {
	dataPath, err := pathFor(uploadDataPathSpec{
		name: bw.blobStore.repository.Named().Name(),
		id:   bw.id,
	})
	if err != nil {
		return err
	}

	// The containing directory holds the data file and startedat marker.
	dirPath := path.Dir(dataPath)
	if err := bw.blobStore.driver.Delete(ctx, dirPath); err != nil {
		switch err := err.(type) {
		case storagedriver.PathNotFoundError:
			// already gone
		default:
			dcontext.GetLogger(ctx).Errorf("unable to delete layer upload resources %q: %v", dirPath, err)
			return err
		}
	}

	return nil
}
