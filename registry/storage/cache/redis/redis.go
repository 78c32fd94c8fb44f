// Package redis implements a blob descriptor cache on a shared redis
// instance, letting multiple registry processes serve a single backend.
package redis

import (
	"context"
	"fmt"

	"github.com/stevedore/stevedore"
	"github.com/stevedore/stevedore/reference"
	"github.com/stevedore/stevedore/registry/storage/cache"

	"github.com/gomodule/redigo/redis"
	"github.com/opencontainers/go-digest"
)

// redisBlobDescriptorService keeps descriptors in two structures: a set
// per repository recording membership, and a global hash per digest
// holding digest, size and mediatype. A separate per-repository hash
// overrides the mediatype, since the same blob may carry different
// mediatypes in different repositories.
type redisBlobDescriptorService struct {
	pool *redis.Pool
}

// NewRedisBlobDescriptorCacheProvider builds a cache provider on top of
// the given connection pool. The pool may be shared with other users.
func NewRedisBlobDescriptorCacheProvider(pool *redis.Pool) cache.BlobDescriptorCacheProvider {
	return &redisBlobDescriptorService{
		pool: pool,
	}
}

// RepositoryScoped narrows the cache to a single repository, validating
// the name first.
func (rbds *redisBlobDescriptorService) RepositoryScoped(repo string) (stevedore.BlobDescriptorService, error) {
	if _, err := reference.WithName(repo); err != nil {
		return nil, err
	}

	return &repositoryScopedRedisBlobDescriptorService{
		repo:     repo,
		upstream: rbds,
	}, nil
}

// Stat reads the descriptor fields from the global blob hash.
func (rbds *redisBlobDescriptorService) Stat(ctx context.Context, dgst digest.Digest) (stevedore.Descriptor, error) {
	if err := dgst.Validate(); err != nil {
		return stevedore.Descriptor{}, err
	}

	conn := rbds.pool.Get()
	defer conn.Close()

	return rbds.stat(ctx, conn, dgst)
}

func (rbds *redisBlobDescriptorService) Clear(ctx context.Context, dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return err
	}

	conn := rbds.pool.Get()
	defer conn.Close()

	// HDEL of several fields is not atomic before redis 2.4.
	reply, err := redis.Int(conn.Do("HDEL", rbds.blobDescriptorHashKey(dgst), "digest", "size", "mediatype"))
	if err != nil {
		return err
	}

	if reply == 0 {
		return stevedore.ErrBlobUnknown
	}

	return nil
}

// stat runs on a caller-owned connection so scoped lookups can reuse one
// connection across calls.
func (rbds *redisBlobDescriptorService) stat(ctx context.Context, conn redis.Conn, dgst digest.Digest) (stevedore.Descriptor, error) {
	reply, err := redis.Values(conn.Do("HMGET", rbds.blobDescriptorHashKey(dgst), "digest", "size", "mediatype"))
	if err != nil {
		return stevedore.Descriptor{}, err
	}

	// A missing digest or size field means the entry is unknown.
	if len(reply) < 3 || reply[0] == nil || reply[1] == nil {
		return stevedore.Descriptor{}, stevedore.ErrBlobUnknown
	}

	var desc stevedore.Descriptor
	if _, err := redis.Scan(reply, &desc.Digest, &desc.Size, &desc.MediaType); err != nil {
		return stevedore.Descriptor{}, err
	}

	return desc, nil
}

// SetDescriptor writes the descriptor fields into a redis hash, leaving
// room for further per-blob fields later.
func (rbds *redisBlobDescriptorService) SetDescriptor(ctx context.Context, dgst digest.Digest, desc stevedore.Descriptor) error {
	if err := dgst.Validate(); err != nil {
		return err
	}

	if err := cache.ValidateDescriptor(desc); err != nil {
		return err
	}

	conn := rbds.pool.Get()
	defer conn.Close()

	return rbds.setDescriptor(ctx, conn, dgst, desc)
}

func (rbds *redisBlobDescriptorService) setDescriptor(ctx context.Context, conn redis.Conn, dgst digest.Digest, desc stevedore.Descriptor) error {
	if _, err := conn.Do("HMSET", rbds.blobDescriptorHashKey(dgst),
		"digest", desc.Digest.String(),
		"size", desc.Size); err != nil {
		return err
	}

	// The first writer of a mediatype wins at the global scope.
	if _, err := conn.Do("HSETNX", rbds.blobDescriptorHashKey(dgst),
		"mediatype", desc.MediaType); err != nil {
		return err
	}

	return nil
}

func (rbds *redisBlobDescriptorService) blobDescriptorHashKey(dgst digest.Digest) string {
	return "blobs::" + dgst.String()
}

type repositoryScopedRedisBlobDescriptorService struct {
	repo     string
	upstream *redisBlobDescriptorService
}

var _ stevedore.BlobDescriptorService = &repositoryScopedRedisBlobDescriptorService{}

// Stat requires repository membership before consulting the global hash,
// then applies any repository-level mediatype override.
func (rsrbds *repositoryScopedRedisBlobDescriptorService) Stat(ctx context.Context, dgst digest.Digest) (stevedore.Descriptor, error) {
	if err := dgst.Validate(); err != nil {
		return stevedore.Descriptor{}, err
	}

	conn := rsrbds.upstream.pool.Get()
	defer conn.Close()

	member, err := redis.Bool(conn.Do("SISMEMBER", rsrbds.repositoryBlobSetKey(rsrbds.repo), dgst.String()))
	if err != nil {
		return stevedore.Descriptor{}, err
	}

	if !member {
		return stevedore.Descriptor{}, stevedore.ErrBlobUnknown
	}

	upstream, err := rsrbds.upstream.stat(ctx, conn, dgst)
	if err != nil {
		return stevedore.Descriptor{}, err
	}

	// A repository-level mediatype takes precedence over the global one.
	mediatype, err := redis.String(conn.Do("HGET", rsrbds.blobDescriptorHashKey(dgst), "mediatype"))
	if err != nil && err != redis.ErrNil {
		return stevedore.Descriptor{}, err
	}

	if mediatype != "" {
		upstream.MediaType = mediatype
	}

	return upstream, nil
}

// Clear drops the digest from the repository set and removes the scoped
// hash entry. Membership is required so an unknown digest reports as
// such.
func (rsrbds *repositoryScopedRedisBlobDescriptorService) Clear(ctx context.Context, dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return err
	}

	conn := rsrbds.upstream.pool.Get()
	defer conn.Close()

	member, err := redis.Bool(conn.Do("SISMEMBER", rsrbds.repositoryBlobSetKey(rsrbds.repo), dgst.String()))
	if err != nil {
		return err
	}

	if !member {
		return stevedore.ErrBlobUnknown
	}

	if _, err := conn.Do("SREM", rsrbds.repositoryBlobSetKey(rsrbds.repo), dgst.String()); err != nil {
		return err
	}

	_, err = conn.Do("HDEL", rsrbds.blobDescriptorHashKey(dgst), "digest", "size", "mediatype")
	return err
}

func (rsrbds *repositoryScopedRedisBlobDescriptorService) SetDescriptor(ctx context.Context, dgst digest.Digest, desc stevedore.Descriptor) error {
	if err := dgst.Validate(); err != nil {
		return err
	}

	if err := cache.ValidateDescriptor(desc); err != nil {
		return err
	}

	if dgst != desc.Digest {
		if dgst.Algorithm() == desc.Digest.Algorithm() {
			return fmt.Errorf("redis cache: digest for descriptors differ but algorithm does not: %q != %q", dgst, desc.Digest)
		}
	}

	conn := rsrbds.upstream.pool.Get()
	defer conn.Close()

	return rsrbds.setDescriptor(ctx, conn, dgst, desc)
}

func (rsrbds *repositoryScopedRedisBlobDescriptorService) setDescriptor(ctx context.Context, conn redis.Conn, dgst digest.Digest, desc stevedore.Descriptor) error {
	if _, err := conn.Do("SADD", rsrbds.repositoryBlobSetKey(rsrbds.repo), dgst.String()); err != nil {
		return err
	}

	if err := rsrbds.upstream.setDescriptor(ctx, conn, dgst, desc); err != nil {
		return err
	}

	// The scoped mediatype always reflects the latest write.
	if _, err := conn.Do("HSET", rsrbds.blobDescriptorHashKey(dgst), "mediatype", desc.MediaType); err != nil {
		return err
	}

	// A cross-algorithm descriptor also gets recorded under its own
	// digest so either form resolves.
	if desc.Digest != "" && dgst != desc.Digest && dgst.Algorithm() != desc.Digest.Algorithm() {
		if err := rsrbds.setDescriptor(ctx, conn, desc.Digest, desc); err != nil {
			return err
		}
	}

	return nil
}

func (rsrbds *repositoryScopedRedisBlobDescriptorService) blobDescriptorHashKey(dgst digest.Digest) string {
	return "repository::" + rsrbds.repo + "::blobs::" + dgst.String()
}

func (rsrbds *repositoryScopedRedisBlobDescriptorService) repositoryBlobSetKey(repo string) string {
	return "repository::" + repo + "::blobs"
}
