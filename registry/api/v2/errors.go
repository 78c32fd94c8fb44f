package v2

import (
	"net/http"

	"github.com/stevedore/stevedore/registry/api/errcode"
)

var (
	// ErrorCodeDigestInvalid is returned when the digest a client supplies
	// does not match the content it refers to.
	ErrorCodeDigestInvalid = errcode.Register(errcode.ErrorDescriptor{
		Value:   "DIGEST_INVALID",
		Message: "provided digest did not match uploaded content",
		Description: `The registry verified uploaded content against the
			digest supplied by the client and found a mismatch, or the
			digest string itself failed to parse. The detail may carry
			the offending digest under the key "digest".`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeSizeInvalid is returned when a declared length disagrees
	// with the bytes received.
	ErrorCodeSizeInvalid = errcode.Register(errcode.ErrorDescriptor{
		Value:   "SIZE_INVALID",
		Message: "provided length did not match content length",
		Description: `The length the client declared for a blob or chunk
			does not match the number of bytes received.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeRangeInvalid is returned when a chunk arrives at an offset
	// other than the current end of the upload.
	ErrorCodeRangeInvalid = errcode.Register(errcode.ErrorDescriptor{
		Value:   "RANGE_INVALID",
		Message: "invalid content range",
		Description: `The Content-Range of an uploaded chunk is malformed
			or does not start where the previous chunk ended.`,
		HTTPStatusCode: http.StatusRequestedRangeNotSatisfiable,
	})

	// ErrorCodeNameInvalid is returned for repository names that fail
	// validation.
	ErrorCodeNameInvalid = errcode.Register(errcode.ErrorDescriptor{
		Value:   "NAME_INVALID",
		Message: "invalid repository name",
		Description: `The repository name in the request does not satisfy
			the naming grammar.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeTagInvalid is returned for malformed or missing tags.
	ErrorCodeTagInvalid = errcode.Register(errcode.ErrorDescriptor{
		Value:   "TAG_INVALID",
		Message: "manifest tag did not match URI",
		Description: `The tag in the request is malformed or absent where
			one is required.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeNameUnknown is returned when a repository does not exist.
	ErrorCodeNameUnknown = errcode.Register(errcode.ErrorDescriptor{
		Value:   "NAME_UNKNOWN",
		Message: "repository name not known to registry",
		Description: `No repository with the requested name exists in the
			registry.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeManifestUnknown is returned when the requested manifest
	// does not exist.
	ErrorCodeManifestUnknown = errcode.Register(errcode.ErrorDescriptor{
		Value:   "MANIFEST_UNKNOWN",
		Message: "manifest unknown",
		Description: `The repository holds no manifest under the requested
			tag or digest.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeManifestInvalid is returned when a pushed manifest fails
	// validation.
	ErrorCodeManifestInvalid = errcode.Register(errcode.ErrorDescriptor{
		Value:   "MANIFEST_INVALID",
		Message: "manifest invalid",
		Description: `A pushed manifest failed validation and no more
			specific code applies. The detail describes the failed
			check.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeBlobUnknown is returned when a blob does not exist in the
	// repository, on a direct fetch or through a manifest reference.
	ErrorCodeBlobUnknown = errcode.Register(errcode.ErrorDescriptor{
		Value:   "BLOB_UNKNOWN",
		Message: "blob unknown to registry",
		Description: `The repository holds no blob under the requested
			digest.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeBlobUploadUnknown is returned when no upload session exists
	// for the requested id.
	ErrorCodeBlobUploadUnknown = errcode.Register(errcode.ErrorDescriptor{
		Value:   "BLOB_UPLOAD_UNKNOWN",
		Message: "blob upload unknown to registry",
		Description: `The upload session was cancelled, completed, or
			never started.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeBlobUploadInvalid is returned when an upload session can no
	// longer proceed.
	ErrorCodeBlobUploadInvalid = errcode.Register(errcode.ErrorDescriptor{
		Value:   "BLOB_UPLOAD_INVALID",
		Message: "blob upload invalid",
		Description: `The upload session is in a state that does not
			permit the requested operation.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodePaginationNumberInvalid is returned when the "n" query
	// parameter is not a non-negative integer.
	ErrorCodePaginationNumberInvalid = errcode.Register(errcode.ErrorDescriptor{
		Value:   "PAGINATION_NUMBER_INVALID",
		Message: "invalid number of results requested",
		Description: `The "n" query parameter is not an integer or is
			negative.`,
		HTTPStatusCode: http.StatusBadRequest,
	})
)
