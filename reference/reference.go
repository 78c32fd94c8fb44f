// Package reference provides a general type to represent any way of
// referencing images within the registry.
//
// Grammar
//
//	reference          := name [ ":" tag ] [ "@" digest ]
//	name               := path-component ['/' path-component]*
//	path-component     := alpha-numeric [separator alpha-numeric]*
//	alpha-numeric      := /[a-z0-9]+/
//	separator          := /[_.]|__|[-]*/
//
//	tag                := /[\w][\w.-]{0,127}/
//
//	digest             := algorithm ":" hex
package reference

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// NameTotalLengthMax is the maximum total number of characters in a
// repository name.
const NameTotalLengthMax = 255

var (
	// ErrReferenceInvalidFormat represents an error while trying to parse a
	// string as a reference.
	ErrReferenceInvalidFormat = errors.New("invalid reference format")

	// ErrTagInvalidFormat represents an error while trying to parse a string
	// as a tag.
	ErrTagInvalidFormat = errors.New("invalid tag format")

	// ErrNameEmpty is returned for empty, invalid repository names.
	ErrNameEmpty = errors.New("repository name must have at least one component")

	// ErrNameTooLong is returned when a repository name is longer than
	// NameTotalLengthMax.
	ErrNameTooLong = fmt.Errorf("repository name must not be more than %v characters", NameTotalLengthMax)
)

// Reference is an opaque object reference identifier that may include
// modifiers such as a tag or digest.
type Reference interface {
	// String returns the full reference.
	String() string
}

// Named is an object with a full valid repository name.
type Named interface {
	Reference
	Name() string
}

// Tagged is an object which has a tag.
type Tagged interface {
	Reference
	Tag() string
}

// Digested is an object which has a digest in which it can be referenced by.
type Digested interface {
	Reference
	Digest() digest.Digest
}

// Canonical references an object in a fully qualified, unambiguous way,
// carrying both the repository name and the content digest.
type Canonical interface {
	Named
	Digest() digest.Digest
}

// NamedTagged is an object including a name and tag.
type NamedTagged interface {
	Named
	Tag() string
}

// WithName returns a named object representing the given string. If the
// input is invalid, ErrReferenceInvalidFormat is returned.
func WithName(name string) (Named, error) {
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > NameTotalLengthMax {
		return nil, ErrNameTooLong
	}
	if !anchoredNameRegexp.MatchString(name) {
		return nil, ErrReferenceInvalidFormat
	}
	return repository(name), nil
}

// WithTag combines the name from "name" and the tag from "tag" to form a
// reference incorporating both the name and the tag.
func WithTag(name Named, tag string) (NamedTagged, error) {
	if !anchoredTagRegexp.MatchString(tag) {
		return nil, ErrTagInvalidFormat
	}
	return taggedReference{
		name: name.Name(),
		tag:  tag,
	}, nil
}

// WithDigest combines the name from "name" and the digest from "digest" to
// form a reference incorporating both the name and the digest.
func WithDigest(name Named, dgst digest.Digest) (Canonical, error) {
	if err := dgst.Validate(); err != nil {
		return nil, err
	}
	return canonicalReference{
		name:   name.Name(),
		digest: dgst,
	}, nil
}

// IsNameOnly returns true if reference only contains a repo name.
func IsNameOnly(ref Reference) bool {
	if _, ok := ref.(NamedTagged); ok {
		return false
	}
	if _, ok := ref.(Canonical); ok {
		return false
	}
	return true
}

type repository string

func (r repository) String() string {
	return string(r)
}

func (r repository) Name() string {
	return string(r)
}

type taggedReference struct {
	name string
	tag  string
}

func (t taggedReference) String() string {
	return t.name + ":" + t.tag
}

func (t taggedReference) Name() string {
	return t.name
}

func (t taggedReference) Tag() string {
	return t.tag
}

type canonicalReference struct {
	name   string
	digest digest.Digest
}

func (c canonicalReference) String() string {
	return c.name + "@" + c.digest.String()
}

func (c canonicalReference) Name() string {
	return c.name
}

func (c canonicalReference) Digest() digest.Digest {
	return c.digest
}
