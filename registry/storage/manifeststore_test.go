package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stevedore/stevedore"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// testManifest builds a minimal manifest payload referencing the given
// config and layer digests.
func testManifest(t *testing.T, layers ...digest.Digest) *stevedore.Manifest {
	t.Helper()

	descriptors := make([]map[string]interface{}, 0, len(layers))
	for _, dgst := range layers {
		descriptors = append(descriptors, map[string]interface{}{
			"mediaType": v1.MediaTypeImageLayer,
			"digest":    dgst.String(),
			"size":      1024,
		})
	}

	payload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"layers":        descriptors,
	})
	if err != nil {
		t.Fatalf("error marshaling manifest: %v", err)
	}

	return &stevedore.Manifest{
		MediaType: v1.MediaTypeImageManifest,
		Payload:   payload,
	}
}

func TestManifestStorage(t *testing.T) {
	env := newTestEnv(t, "foo/manifests", defaultOptions()...)
	ctx := env.ctx
	ms := env.repository.Manifests(ctx)

	layer, layerDigest := randomBlob(t, 20, 1024)
	uploadBlob(t, ctx, env.repository.Blobs(ctx), layer, layerDigest)

	m := testManifest(t, layerDigest)
	dgst := m.Digest()

	// The manifest is unknown before the put.
	exists, err := ms.Exists(ctx, dgst)
	if err != nil {
		t.Fatalf("error checking existence: %v", err)
	}
	if exists {
		t.Fatal("manifest should not exist before put")
	}

	if _, err := ms.Get(ctx, dgst); !errors.As(err, &stevedore.ErrManifestUnknownRevision{}) {
		t.Fatalf("unexpected error getting unknown manifest: %v", err)
	}

	putDigest, err := ms.Put(ctx, m)
	if err != nil {
		t.Fatalf("error putting manifest: %v", err)
	}
	if putDigest != dgst {
		t.Fatalf("put digest mismatch: %v != %v", putDigest, dgst)
	}

	exists, err = ms.Exists(ctx, dgst)
	if err != nil {
		t.Fatalf("error checking existence: %v", err)
	}
	if !exists {
		t.Fatal("manifest should exist after put")
	}

	fetched, err := ms.Get(ctx, dgst)
	if err != nil {
		t.Fatalf("error getting manifest: %v", err)
	}

	// The payload must come back byte for byte, or the digest breaks.
	if !bytes.Equal(fetched.Payload, m.Payload) {
		t.Fatal("fetched payload differs from stored payload")
	}
	if fetched.MediaType != v1.MediaTypeImageManifest {
		t.Fatalf("unexpected media type: %v", fetched.MediaType)
	}
	if fetched.Digest() != dgst {
		t.Fatalf("fetched digest mismatch: %v != %v", fetched.Digest(), dgst)
	}
}

func TestManifestPutInvalidPayload(t *testing.T) {
	env := newTestEnv(t, "foo/badmanifests", defaultOptions()...)
	ctx := env.ctx
	ms := env.repository.Manifests(ctx)

	for _, payload := range [][]byte{
		nil,
		[]byte("not json"),
		[]byte("{unbalanced"),
	} {
		m := &stevedore.Manifest{
			MediaType: v1.MediaTypeImageManifest,
			Payload:   payload,
		}

		if _, err := ms.Put(ctx, m); !errors.As(err, &stevedore.ErrManifestInvalid{}) {
			t.Errorf("unexpected error putting payload %q: %v", payload, err)
		}
	}
}

func TestManifestPutMediaTypeMismatch(t *testing.T) {
	env := newTestEnv(t, "foo/mtmismatch", defaultOptions()...)
	ctx := env.ctx
	ms := env.repository.Manifests(ctx)

	m := testManifest(t)
	m.MediaType = v1.MediaTypeImageIndex // payload declares the manifest media type

	if _, err := ms.Put(ctx, m); !errors.As(err, &stevedore.ErrManifestInvalid{}) {
		t.Fatalf("unexpected error putting mismatched media type: %v", err)
	}
}

func TestManifestPutVerificationCollected(t *testing.T) {
	env := newTestEnv(t, "foo/verification", defaultOptions()...)
	ctx := env.ctx
	ms := env.repository.Manifests(ctx)

	// Both violations must come back in one error.
	payload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 3,
		"mediaType":     v1.MediaTypeImageManifest,
	})
	if err != nil {
		t.Fatalf("error marshaling manifest: %v", err)
	}

	m := &stevedore.Manifest{
		MediaType: v1.MediaTypeImageIndex,
		Payload:   payload,
	}

	_, err = ms.Put(ctx, m)

	var verr stevedore.ErrManifestVerification
	if !errors.As(err, &verr) {
		t.Fatalf("unexpected error putting manifest: %v", err)
	}
	if len(verr) != 2 {
		t.Fatalf("expected two violations, got: %v", verr)
	}
	if !errors.As(err, &stevedore.ErrManifestInvalid{}) {
		t.Fatalf("expected invalid manifest details, got: %v", err)
	}
}

func TestManifestDelete(t *testing.T) {
	env := newTestEnv(t, "foo/deletemanifests", defaultOptions()...)
	ctx := env.ctx
	ms := env.repository.Manifests(ctx)

	m := testManifest(t)
	dgst, err := ms.Put(ctx, m)
	if err != nil {
		t.Fatalf("error putting manifest: %v", err)
	}

	if err := ms.Delete(ctx, dgst); err != nil {
		t.Fatalf("error deleting manifest: %v", err)
	}

	exists, err := ms.Exists(ctx, dgst)
	if err != nil {
		t.Fatalf("error checking existence: %v", err)
	}
	if exists {
		t.Fatal("manifest should not exist after delete")
	}

	if err := ms.Delete(ctx, dgst); !errors.As(err, &stevedore.ErrManifestUnknownRevision{}) {
		t.Fatalf("unexpected error deleting deleted manifest: %v", err)
	}

	// Deleting and re-putting restores the manifest.
	if _, err := ms.Put(ctx, m); err != nil {
		t.Fatalf("error re-putting manifest: %v", err)
	}
	exists, err = ms.Exists(ctx, dgst)
	if err != nil {
		t.Fatalf("error checking existence: %v", err)
	}
	if !exists {
		t.Fatal("manifest should exist after re-put")
	}
}

func TestManifestDeleteDisabled(t *testing.T) {
	env := newTestEnv(t, "foo/nodeletemanifests")
	ctx := env.ctx
	ms := env.repository.Manifests(ctx)

	m := testManifest(t)
	dgst, err := ms.Put(ctx, m)
	if err != nil {
		t.Fatalf("error putting manifest: %v", err)
	}

	if err := ms.Delete(ctx, dgst); err != stevedore.ErrUnsupported {
		t.Fatalf("unexpected error deleting with deletes disabled: %v", err)
	}
}
