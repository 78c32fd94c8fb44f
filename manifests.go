package stevedore

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Manifest is an image manifest held exactly as the client sent it. The
// payload is never reserialized so the digest computed over it is
// reproducible for as long as the manifest is stored.
type Manifest struct {
	// MediaType is the declared content type of the payload.
	MediaType string

	// Payload holds the raw manifest bytes, verbatim.
	Payload []byte
}

// Digest returns the digest of the manifest payload.
func (m *Manifest) Digest() digest.Digest {
	return digest.FromBytes(m.Payload)
}

// Descriptor describes the manifest payload.
func (m *Manifest) Descriptor() Descriptor {
	return Descriptor{
		MediaType: m.MediaType,
		Size:      int64(len(m.Payload)),
		Digest:    m.Digest(),
	}
}

// ManifestService describes operations on image manifests.
type ManifestService interface {
	// Exists returns true if the manifest exists.
	Exists(ctx context.Context, dgst digest.Digest) (bool, error)

	// Get retrieves the manifest specified by the given digest.
	Get(ctx context.Context, dgst digest.Digest) (*Manifest, error)

	// Put creates or updates the given manifest returning the manifest
	// digest. The digest is computed over the stored bytes.
	Put(ctx context.Context, manifest *Manifest) (digest.Digest, error)

	// Delete removes the manifest specified by the given digest. Deleting
	// a manifest that doesn't exist will return ErrManifestUnknownRevision.
	Delete(ctx context.Context, dgst digest.Digest) error
}
