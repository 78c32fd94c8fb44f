package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/internal/dcontext"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// manifestStore provides the manifest service over the repository's revision
// store. Manifests are kept as opaque, digest-addressed blobs so the bytes
// served always match the bytes received.
type manifestStore struct {
	ctx        context.Context
	repository *repository

	blobStore *linkedBlobStore
}

var _ stevedore.ManifestService = &manifestStore{}

func (ms *manifestStore) Exists(ctx context.Context, dgst digest.Digest) (bool, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Exists")

	_, err := ms.blobStore.Stat(ctx, dgst)
	if err != nil {
		if err == stevedore.ErrBlobUnknown {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func (ms *manifestStore) Get(ctx context.Context, dgst digest.Digest) (*stevedore.Manifest, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Get")

	content, err := ms.blobStore.Get(ctx, dgst)
	if err != nil {
		if err == stevedore.ErrBlobUnknown {
			return nil, stevedore.ErrManifestUnknownRevision{
				Name:     ms.repository.Named().Name(),
				Revision: dgst,
			}
		}

		return nil, err
	}

	var versioned struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(content, &versioned); err != nil {
		return nil, stevedore.ErrManifestInvalid{Reason: err}
	}

	mediaType := versioned.MediaType
	if mediaType == "" {
		mediaType = v1.MediaTypeImageManifest
	}

	return &stevedore.Manifest{
		MediaType: mediaType,
		Payload:   content,
	}, nil
}

func (ms *manifestStore) Put(ctx context.Context, manifest *stevedore.Manifest) (digest.Digest, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Put")

	if err := ms.validate(manifest); err != nil {
		return "", err
	}

	revision, err := ms.blobStore.Put(ctx, manifest.MediaType, manifest.Payload)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error putting payload into blobstore: %v", err)
		return "", err
	}

	return revision.Digest, nil
}

// Delete removes the revision of the manifest referenced by dgst. The
// manifest payload itself remains in the common blob store.
func (ms *manifestStore) Delete(ctx context.Context, dgst digest.Digest) error {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Delete")

	err := ms.blobStore.Delete(ctx, dgst)
	if err == stevedore.ErrBlobUnknown {
		return stevedore.ErrManifestUnknownRevision{
			Name:     ms.repository.Named().Name(),
			Revision: dgst,
		}
	}

	return err
}

// validate performs the structural checks required before a manifest may be
// accepted. The payload must parse as JSON; the remaining checks are
// collected so the caller sees every violation at once.
func (ms *manifestStore) validate(manifest *stevedore.Manifest) error {
	if len(manifest.Payload) == 0 {
		return stevedore.ErrManifestInvalid{Reason: fmt.Errorf("empty payload")}
	}

	var decoded struct {
		SchemaVersion *int   `json:"schemaVersion"`
		MediaType     string `json:"mediaType"`
	}
	if err := json.Unmarshal(manifest.Payload, &decoded); err != nil {
		return stevedore.ErrManifestInvalid{Reason: err}
	}

	var verr stevedore.ErrManifestVerification

	if decoded.MediaType != "" && manifest.MediaType != "" && decoded.MediaType != manifest.MediaType {
		verr = append(verr, stevedore.ErrManifestInvalid{
			Reason: fmt.Errorf("mediaType %q does not match declared %q", decoded.MediaType, manifest.MediaType),
		})
	}

	if decoded.SchemaVersion != nil && *decoded.SchemaVersion != 2 {
		verr = append(verr, stevedore.ErrManifestInvalid{
			Reason: fmt.Errorf("unsupported schemaVersion %d", *decoded.SchemaVersion),
		})
	}

	if len(verr) > 0 {
		return verr
	}

	return nil
}
