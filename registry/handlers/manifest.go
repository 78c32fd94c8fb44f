package handlers

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"
	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/internal/dcontext"
	"github.com/stevedore/stevedore/reference"
	"github.com/stevedore/stevedore/registry/api/errcode"
	v2 "github.com/stevedore/stevedore/registry/api/v2"
)

// maxManifestBodySize protects the registry against absurdly large
// manifest payloads.
const maxManifestBodySize = 4 * 1024 * 1024

// manifestDispatcher takes the request context and builds the appropriate
// handler for handling manifest requests.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	manifestHandler := &manifestHandler{
		Context: ctx,
	}

	ref := getReference(ctx)
	dgst, err := digest.Parse(ref)
	if err != nil {
		// We just have a tag
		manifestHandler.Tag = ref
	} else {
		manifestHandler.Digest = dgst
	}

	mhandler := handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(manifestHandler.GetManifest),
		http.MethodHead: http.HandlerFunc(manifestHandler.GetManifest),
	}

	if !ctx.readOnly {
		mhandler[http.MethodPut] = http.HandlerFunc(manifestHandler.PutManifest)
		mhandler[http.MethodDelete] = http.HandlerFunc(manifestHandler.DeleteManifest)
	}

	return mhandler
}

// manifestHandler handles http operations on image manifests.
type manifestHandler struct {
	*Context

	// One of tag or digest gets set, depending on the outcome of the
	// reference parse.
	Tag    string
	Digest digest.Digest
}

// GetManifest fetches the image manifest from the storage backend, if it
// exists.
func (imh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("GetImageManifest")
	manifests := imh.Repository.Manifests(imh)

	if imh.Tag != "" {
		desc, err := imh.Repository.Tags(imh).Resolve(imh, imh.Tag)
		if err != nil {
			if _, ok := err.(stevedore.ErrTagUnknown); ok {
				err := stevedore.ErrManifestUnknown{Name: imh.Repository.Named().Name(), Tag: imh.Tag}
				imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnknown.WithDetail(err))
			} else {
				imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
			return
		}
		imh.Digest = desc.Digest
	}

	manifest, err := manifests.Get(imh, imh.Digest)
	if err != nil {
		if _, ok := err.(stevedore.ErrManifestUnknownRevision); ok {
			imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnknown.WithDetail(err))
		} else {
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	w.Header().Set("Content-Type", manifest.MediaType)
	w.Header().Set("Content-Length", fmt.Sprint(len(manifest.Payload)))
	w.Header().Set("Docker-Content-Digest", imh.Digest.String())

	if r.Method == http.MethodHead {
		return
	}

	if _, err := w.Write(manifest.Payload); err != nil {
		dcontext.GetLogger(imh).Errorf("error writing manifest payload: %v", err)
	}
}

// PutManifest validates and stores a manifest in the registry.
func (imh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("PutImageManifest")
	manifests := imh.Repository.Manifests(imh)

	var jsonBuf bytes.Buffer
	if err := copyFullPayload(imh.Context, w, r, &jsonBuf, maxManifestBodySize, "image manifest PUT"); err != nil {
		imh.Errors = append(imh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(err.Error()))
		return
	}

	mediaType := r.Header.Get("Content-Type")
	manifest := &stevedore.Manifest{
		MediaType: mediaType,
		Payload:   jsonBuf.Bytes(),
	}

	if imh.Digest != "" {
		if manifest.Digest() != imh.Digest {
			dcontext.GetLogger(imh).Errorf("payload digest does not match: %q != %q", manifest.Digest(), imh.Digest)
			imh.Errors = append(imh.Errors, v2.ErrorCodeDigestInvalid)
			return
		}
	} else if imh.Tag == "" {
		imh.Errors = append(imh.Errors, v2.ErrorCodeTagInvalid.WithDetail("no tag or digest specified"))
		return
	}

	dgst, err := manifests.Put(imh, manifest)
	if err != nil {
		switch err := err.(type) {
		case stevedore.ErrManifestInvalid:
			imh.Errors = append(imh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(err))
		case stevedore.ErrManifestVerification:
			for _, verificationError := range err {
				switch verificationError := verificationError.(type) {
				case stevedore.ErrManifestInvalid:
					imh.Errors = append(imh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(verificationError))
				default:
					imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(verificationError))
				}
			}
		case errcode.Error:
			imh.Errors = append(imh.Errors, err)
		default:
			if err == stevedore.ErrUnsupported {
				imh.Errors = append(imh.Errors, errcode.ErrorCodeUnsupported)
			} else {
				imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
		}
		return
	}
	imh.Digest = dgst

	// Tag this manifest
	if imh.Tag != "" {
		if err := imh.Repository.Tags(imh).Tag(imh, imh.Tag, stevedore.Descriptor{Digest: imh.Digest}); err != nil {
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
	}

	// Construct a canonical url for the uploaded manifest.
	ref, err := reference.WithDigest(imh.Repository.Named(), imh.Digest)
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	location, err := imh.urlBuilder.BuildManifestURL(ref)
	if err != nil {
		// Log the error here but proceed as if it worked. Worst case, we set
		// an empty location header.
		dcontext.GetLogger(imh).Errorf("error building manifest url from digest: %v", err)
	}

	w.Header().Set("Location", location)
	w.Header().Set("Docker-Content-Digest", imh.Digest.String())
	w.WriteHeader(http.StatusCreated)

	dcontext.GetLogger(imh).Debug("Succeeded in putting manifest!")
}

// DeleteManifest removes the manifest with the given digest and all of the
// tags referencing it from the registry.
func (imh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(imh).Debug("DeleteImageManifest")

	if imh.Tag != "" {
		// Deletion by tag is not supported; manifests are removed by digest
		// and tags unlinked along the way.
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnsupported)
		return
	}

	manifests := imh.Repository.Manifests(imh)

	tagService := imh.Repository.Tags(imh)
	referencedTags, err := tagService.Lookup(imh, stevedore.Descriptor{Digest: imh.Digest})
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	if err := manifests.Delete(imh, imh.Digest); err != nil {
		switch err.(type) {
		case stevedore.ErrManifestUnknownRevision:
			imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnknown)
		default:
			switch err {
			case stevedore.ErrUnsupported:
				imh.Errors = append(imh.Errors, errcode.ErrorCodeUnsupported)
			case stevedore.ErrBlobUnknown:
				imh.Errors = append(imh.Errors, v2.ErrorCodeManifestUnknown)
			default:
				imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
		}
		return
	}

	for _, tag := range referencedTags {
		if err := tagService.Untag(imh, tag); err != nil {
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}
