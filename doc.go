// Package stevedore defines the interfaces implemented by the registry
// subpackages. The registry stores and serves container images: layered
// binary blobs plus the JSON manifests that tie them together, addressed
// by cryptographic digest and namespaced by repository.
package stevedore
