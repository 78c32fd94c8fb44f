package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/internal/dcontext"
	"github.com/stevedore/stevedore/reference"
	"github.com/stevedore/stevedore/registry/storage/cache/memory"
	"github.com/stevedore/stevedore/registry/storage/driver/inmemory"

	"github.com/opencontainers/go-digest"
)

type testEnv struct {
	ctx        context.Context
	registry   stevedore.Namespace
	repository stevedore.Repository
}

func newTestEnv(t *testing.T, name string, options ...RegistryOption) *testEnv {
	t.Helper()

	ctx := dcontext.Background()
	registry, err := NewRegistry(ctx, inmemory.New(), options...)
	if err != nil {
		t.Fatalf("error creating registry: %v", err)
	}

	named, err := reference.WithName(name)
	if err != nil {
		t.Fatalf("error parsing name %q: %v", name, err)
	}

	repository, err := registry.Repository(ctx, named)
	if err != nil {
		t.Fatalf("error getting repository: %v", err)
	}

	return &testEnv{
		ctx:        ctx,
		registry:   registry,
		repository: repository,
	}
}

func defaultOptions() []RegistryOption {
	return []RegistryOption{
		BlobDescriptorCacheProvider(memory.NewInMemoryBlobDescriptorCacheProvider()),
		EnableDelete,
		EnableRedirect,
	}
}

// randomBlob returns size bytes of deterministic pseudorandom content along
// with its digest.
func randomBlob(t *testing.T, seed int64, size int) ([]byte, digest.Digest) {
	t.Helper()

	p := make([]byte, size)
	rng := rand.New(rand.NewSource(seed))
	if _, err := rng.Read(p); err != nil {
		t.Fatalf("error generating test content: %v", err)
	}

	return p, digest.FromBytes(p)
}

func uploadBlob(t *testing.T, ctx context.Context, blobs stevedore.BlobStore, p []byte, dgst digest.Digest) stevedore.Descriptor {
	t.Helper()

	wr, err := blobs.Create(ctx)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}

	if _, err := io.Copy(wr, bytes.NewReader(p)); err != nil {
		t.Fatalf("error writing upload: %v", err)
	}

	desc, err := wr.Commit(ctx, stevedore.Descriptor{Digest: dgst})
	if err != nil {
		t.Fatalf("error committing upload: %v", err)
	}

	return desc
}

func TestSimpleBlobUpload(t *testing.T) {
	env := newTestEnv(t, "foo/bar", defaultOptions()...)
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	p, dgst := randomBlob(t, 1, 1<<20)

	// Stat before upload should miss.
	if _, err := bs.Stat(ctx, dgst); err != stevedore.ErrBlobUnknown {
		t.Fatalf("unexpected error stating unknown blob: %v", err)
	}

	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}

	if wr.ID() == "" {
		t.Fatal("expected non-empty upload id")
	}

	n, err := io.Copy(wr, bytes.NewReader(p))
	if err != nil {
		t.Fatalf("error writing upload: %v", err)
	}
	if n != int64(len(p)) {
		t.Fatalf("short write: %d != %d", n, len(p))
	}
	if wr.Size() != int64(len(p)) {
		t.Fatalf("writer size mismatch: %d != %d", wr.Size(), len(p))
	}

	desc, err := wr.Commit(ctx, stevedore.Descriptor{Digest: dgst})
	if err != nil {
		t.Fatalf("error committing upload: %v", err)
	}

	if desc.Digest != dgst {
		t.Fatalf("committed digest mismatch: %v != %v", desc.Digest, dgst)
	}
	if desc.Size != int64(len(p)) {
		t.Fatalf("committed size mismatch: %d != %d", desc.Size, len(p))
	}

	// The blob is now visible.
	statDesc, err := bs.Stat(ctx, dgst)
	if err != nil {
		t.Fatalf("error stating blob: %v", err)
	}
	if statDesc.Digest != desc.Digest || statDesc.Size != desc.Size {
		t.Fatalf("unexpected descriptor: %#v != %#v", statDesc, desc)
	}

	content, err := bs.Get(ctx, dgst)
	if err != nil {
		t.Fatalf("error getting blob: %v", err)
	}
	if !bytes.Equal(content, p) {
		t.Fatal("fetched content differs from uploaded content")
	}

	rc, err := bs.Open(ctx, dgst)
	if err != nil {
		t.Fatalf("error opening blob: %v", err)
	}
	defer rc.Close()

	streamed, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("error reading blob stream: %v", err)
	}
	if !bytes.Equal(streamed, p) {
		t.Fatal("streamed content differs from uploaded content")
	}

	// Delete, then verify it is gone.
	if err := bs.Delete(ctx, dgst); err != nil {
		t.Fatalf("error deleting blob: %v", err)
	}

	if _, err := bs.Stat(ctx, dgst); err != stevedore.ErrBlobUnknown {
		t.Fatalf("unexpected error stating deleted blob: %v", err)
	}
	if _, err := bs.Get(ctx, dgst); err != stevedore.ErrBlobUnknown {
		t.Fatalf("unexpected error getting deleted blob: %v", err)
	}

	// Re-upload restores availability.
	uploadBlob(t, ctx, bs, p, dgst)
	if _, err := bs.Stat(ctx, dgst); err != nil {
		t.Fatalf("error stating reuploaded blob: %v", err)
	}
}

func TestBlobUploadCommitDigestMismatch(t *testing.T) {
	env := newTestEnv(t, "foo/mismatch", defaultOptions()...)
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	p, _ := randomBlob(t, 2, 1024)
	_, wrongDigest := randomBlob(t, 3, 1024)

	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}

	if _, err := io.Copy(wr, bytes.NewReader(p)); err != nil {
		t.Fatalf("error writing upload: %v", err)
	}

	if _, err := wr.Commit(ctx, stevedore.Descriptor{Digest: wrongDigest}); err == nil {
		t.Fatal("expected commit with wrong digest to fail")
	} else if !errors.As(err, &stevedore.ErrBlobInvalidDigest{}) {
		t.Fatalf("unexpected commit error: %v", err)
	}

	// Verify nothing was linked into the repository.
	if _, err := bs.Stat(ctx, wrongDigest); err != stevedore.ErrBlobUnknown {
		t.Fatalf("unexpected error stating failed upload: %v", err)
	}
}

func TestBlobUploadCommitSizeMismatch(t *testing.T) {
	env := newTestEnv(t, "foo/sizemismatch", defaultOptions()...)
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	p, dgst := randomBlob(t, 4, 1024)

	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}

	if _, err := io.Copy(wr, bytes.NewReader(p)); err != nil {
		t.Fatalf("error writing upload: %v", err)
	}

	if _, err := wr.Commit(ctx, stevedore.Descriptor{Digest: dgst, Size: int64(len(p)) + 1}); err != stevedore.ErrBlobInvalidLength {
		t.Fatalf("unexpected commit error: %v", err)
	}
}

func TestBlobUploadResume(t *testing.T) {
	env := newTestEnv(t, "foo/resume", defaultOptions()...)
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	p, dgst := randomBlob(t, 5, 1<<18)
	half := len(p) / 2

	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}
	id := wr.ID()

	if _, err := wr.Write(p[:half]); err != nil {
		t.Fatalf("error writing first half: %v", err)
	}
	if err := wr.Close(); err != nil {
		t.Fatalf("error closing writer: %v", err)
	}

	wr, err = bs.Resume(ctx, id)
	if err != nil {
		t.Fatalf("error resuming upload: %v", err)
	}
	if wr.Size() != int64(half) {
		t.Fatalf("resumed writer size mismatch: %d != %d", wr.Size(), half)
	}

	if _, err := wr.Write(p[half:]); err != nil {
		t.Fatalf("error writing second half: %v", err)
	}

	desc, err := wr.Commit(ctx, stevedore.Descriptor{Digest: dgst})
	if err != nil {
		t.Fatalf("error committing resumed upload: %v", err)
	}
	if desc.Size != int64(len(p)) {
		t.Fatalf("committed size mismatch: %d != %d", desc.Size, len(p))
	}

	content, err := bs.Get(ctx, dgst)
	if err != nil {
		t.Fatalf("error getting blob: %v", err)
	}
	if !bytes.Equal(content, p) {
		t.Fatal("fetched content differs from uploaded content")
	}
}

func TestBlobUploadResumeUnknown(t *testing.T) {
	env := newTestEnv(t, "foo/resumeunknown", defaultOptions()...)
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	if _, err := bs.Resume(ctx, "00000000-0000-0000-0000-000000000000"); err != stevedore.ErrBlobUploadUnknown {
		t.Fatalf("unexpected error resuming unknown upload: %v", err)
	}
}

func TestBlobUploadSessionExclusive(t *testing.T) {
	env := newTestEnv(t, "foo/exclusive", defaultOptions()...)
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	p, dgst := randomBlob(t, 7, 1024)
	half := len(p) / 2

	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}
	id := wr.ID()

	if _, err := wr.Write(p[:half]); err != nil {
		t.Fatalf("error writing first half: %v", err)
	}

	// The open writer holds the session. A second writer must be refused
	// rather than appending alongside the first.
	if _, err := bs.Resume(ctx, id); err != stevedore.ErrBlobUploadBusy {
		t.Fatalf("unexpected error resuming held session: %v", err)
	}
	if wr.Size() != int64(half) {
		t.Fatalf("held session size changed: %d != %d", wr.Size(), half)
	}

	if err := wr.Close(); err != nil {
		t.Fatalf("error closing writer: %v", err)
	}

	// Closing hands the session back.
	wr, err = bs.Resume(ctx, id)
	if err != nil {
		t.Fatalf("error resuming released session: %v", err)
	}

	if _, err := wr.Write(p[half:]); err != nil {
		t.Fatalf("error writing second half: %v", err)
	}
	if _, err := wr.Commit(ctx, stevedore.Descriptor{Digest: dgst}); err != nil {
		t.Fatalf("error committing upload: %v", err)
	}

	content, err := bs.Get(ctx, dgst)
	if err != nil {
		t.Fatalf("error getting blob: %v", err)
	}
	if !bytes.Equal(content, p) {
		t.Fatal("fetched content differs from uploaded content")
	}
}

func TestBlobUploadCancel(t *testing.T) {
	env := newTestEnv(t, "foo/cancel", defaultOptions()...)
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	p, dgst := randomBlob(t, 6, 1024)

	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}
	id := wr.ID()

	if _, err := wr.Write(p); err != nil {
		t.Fatalf("error writing upload: %v", err)
	}

	if err := wr.Cancel(ctx); err != nil {
		t.Fatalf("error canceling upload: %v", err)
	}

	// The session and the data are both gone.
	if _, err := bs.Resume(ctx, id); err != stevedore.ErrBlobUploadUnknown {
		t.Fatalf("unexpected error resuming canceled upload: %v", err)
	}
	if _, err := bs.Stat(ctx, dgst); err != stevedore.ErrBlobUnknown {
		t.Fatalf("unexpected error stating canceled upload: %v", err)
	}
}

func TestBlobZeroLengthUpload(t *testing.T) {
	env := newTestEnv(t, "foo/empty", defaultOptions()...)
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	emptyDigest := digest.FromBytes(nil)

	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}

	desc, err := wr.Commit(ctx, stevedore.Descriptor{Digest: emptyDigest})
	if err != nil {
		t.Fatalf("error committing zero-length upload: %v", err)
	}
	if desc.Size != 0 {
		t.Fatalf("unexpected size for empty blob: %d", desc.Size)
	}

	content, err := bs.Get(ctx, emptyDigest)
	if err != nil {
		t.Fatalf("error getting empty blob: %v", err)
	}
	if len(content) != 0 {
		t.Fatalf("unexpected content for empty blob: %d bytes", len(content))
	}
}

func TestBlobMount(t *testing.T) {
	sourceEnv := newTestEnv(t, "foo/source", defaultOptions()...)
	ctx := sourceEnv.ctx
	sourceBlobs := sourceEnv.repository.Blobs(ctx)

	p, dgst := randomBlob(t, 7, 1<<16)
	uploadBlob(t, ctx, sourceBlobs, p, dgst)

	targetNamed, err := reference.WithName("bar/target")
	if err != nil {
		t.Fatalf("error parsing name: %v", err)
	}
	targetRepo, err := sourceEnv.registry.Repository(ctx, targetNamed)
	if err != nil {
		t.Fatalf("error getting target repository: %v", err)
	}
	targetBlobs := targetRepo.Blobs(ctx)

	canonicalRef, err := reference.WithDigest(sourceEnv.repository.Named(), dgst)
	if err != nil {
		t.Fatalf("error building canonical reference: %v", err)
	}

	_, err = targetBlobs.Create(ctx, WithMountFrom(canonicalRef))
	var ebm stevedore.ErrBlobMounted
	if !errors.As(err, &ebm) {
		t.Fatalf("expected ErrBlobMounted, got: %v", err)
	}
	if ebm.Descriptor.Digest != dgst {
		t.Fatalf("mounted descriptor digest mismatch: %v != %v", ebm.Descriptor.Digest, dgst)
	}

	// The blob is now reachable through the target repository.
	content, err := targetBlobs.Get(ctx, dgst)
	if err != nil {
		t.Fatalf("error getting mounted blob: %v", err)
	}
	if !bytes.Equal(content, p) {
		t.Fatal("mounted content differs from source content")
	}

	// Deleting from the target must not affect the source repository.
	if err := targetBlobs.Delete(ctx, dgst); err != nil {
		t.Fatalf("error deleting mounted blob: %v", err)
	}
	if _, err := sourceBlobs.Stat(ctx, dgst); err != nil {
		t.Fatalf("source blob lost after target delete: %v", err)
	}
}

func TestBlobDeleteDisabled(t *testing.T) {
	env := newTestEnv(t, "foo/nodelete")
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	p, dgst := randomBlob(t, 8, 1024)
	uploadBlob(t, ctx, bs, p, dgst)

	if err := bs.Delete(ctx, dgst); err != stevedore.ErrUnsupported {
		t.Fatalf("unexpected error deleting with deletes disabled: %v", err)
	}
}

func TestRepositoryIsolation(t *testing.T) {
	env := newTestEnv(t, "foo/one", defaultOptions()...)
	ctx := env.ctx
	bs := env.repository.Blobs(ctx)

	p, dgst := randomBlob(t, 9, 1024)
	uploadBlob(t, ctx, bs, p, dgst)

	otherNamed, err := reference.WithName("foo/two")
	if err != nil {
		t.Fatalf("error parsing name: %v", err)
	}
	otherRepo, err := env.registry.Repository(ctx, otherNamed)
	if err != nil {
		t.Fatalf("error getting repository: %v", err)
	}

	// The other repository has no link, so the blob must stay invisible even
	// though the data is in the common store.
	if _, err := otherRepo.Blobs(ctx).Stat(ctx, dgst); err != stevedore.ErrBlobUnknown {
		t.Fatalf("unexpected error stating foreign blob: %v", err)
	}
}
