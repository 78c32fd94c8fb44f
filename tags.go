package stevedore

import "context"

// TagService provides access to information about tagged objects.
type TagService interface {
	// Resolve returns the descriptor the tag currently points to. Tags are
	// mutable pointers; the returned descriptor reflects the last write.
	Resolve(ctx context.Context, tag string) (Descriptor, error)

	// Tag associates the tag with the provided descriptor, updating the
	// current association, if needed.
	Tag(ctx context.Context, tag string, desc Descriptor) error

	// Untag removes the given tag association.
	Untag(ctx context.Context, tag string) error

	// All returns the set of tags for the parent repository, in lexical
	// order.
	All(ctx context.Context) ([]string, error)

	// Lookup returns the set of tags referencing the given digest.
	Lookup(ctx context.Context, digest Descriptor) ([]string, error)
}
