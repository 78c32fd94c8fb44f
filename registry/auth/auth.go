// Package auth holds the pluggable access control seam for the registry.
//
// A backend implements AccessController, whose single Authorized method
// decides whether the request in the context may perform a set of
// actions on a set of resources. Backends register themselves by name
// through an init-time constructor taking an options map, so selecting
// one is a matter of configuration:
//
//	controller, err := auth.GetAccessController("htpasswd", options)
//
// A handler grants or refuses a request like so:
//
//	grant := auth.Access{
//		Resource: auth.Resource{Type: "repository", Name: name},
//		Action:   "pull",
//	}
//	ctx, err := controller.Authorized(ctx, grant)
//	if err != nil {
//		if challenge, ok := err.(auth.Challenge); ok {
//			challenge.SetHeaders(r, w)
//		}
//		w.WriteHeader(http.StatusUnauthorized)
//		return
//	}
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	// UserKey resolves the authenticated UserInfo from a context.
	UserKey = "auth.user"

	// UserNameKey resolves the authenticated user's name from a context.
	UserNameKey = "auth.user.name"
)

var (
	// ErrInvalidCredential is returned when presented credentials fail
	// verification.
	ErrInvalidCredential = errors.New("invalid authorization credential")

	// ErrAuthenticationFailure is returned when no usable credentials
	// were presented.
	ErrAuthenticationFailure = errors.New("authentication failure")
)

// UserInfo identifies the authenticated client.
type UserInfo struct {
	Name string
}

// Resource names the target of an access decision.
type Resource struct {
	Type  string
	Class string
	Name  string
}

// Access binds an action to the resource it is requested on.
type Access struct {
	Resource
	Action string
}

// Challenge is an error that knows how to demand credentials. A backend
// returns one from Authorized when the client must authenticate before
// the decision can be made.
type Challenge interface {
	error

	// SetHeaders adds the WWW-Authenticate header describing the
	// challenge. The caller still sets the 401 status and body.
	SetHeaders(r *http.Request, w http.ResponseWriter)
}

// AccessController decides whether a request may perform a set of
// accesses. Backends may deny outright or return a Challenge demanding
// credentials.
type AccessController interface {
	// Authorized grants the accesses to the request held in ctx under
	// the "http.request" key, returning a context annotated with the
	// authenticated user. A non-nil error always means denial; if it is
	// a Challenge, the caller should relay it to the client.
	Authorized(ctx context.Context, access ...Access) (context.Context, error)
}

// WithUser annotates ctx with the authenticated user, resolvable through
// UserKey and UserNameKey.
func WithUser(ctx context.Context, user UserInfo) context.Context {
	return userInfoContext{
		Context: ctx,
		user:    user,
	}
}

type userInfoContext struct {
	context.Context
	user UserInfo
}

func (uic userInfoContext) Value(key interface{}) interface{} {
	switch key {
	case UserKey:
		return uic.user
	case UserNameKey:
		return uic.user.Name
	}

	return uic.Context.Value(key)
}

// InitFunc constructs a backend from its configuration parameters.
type InitFunc func(options map[string]interface{}) (AccessController, error)

var accessControllers map[string]InitFunc

func init() {
	accessControllers = make(map[string]InitFunc)
}

// Register records a backend constructor under name. Backends call this
// from init, so a duplicate name is a programming error.
func Register(name string, initFunc InitFunc) error {
	if _, exists := accessControllers[name]; exists {
		return fmt.Errorf("name already registered: %s", name)
	}

	accessControllers[name] = initFunc

	return nil
}

// GetAccessController builds the named backend with the given options.
func GetAccessController(name string, options map[string]interface{}) (AccessController, error) {
	if initFunc, exists := accessControllers[name]; exists {
		return initFunc(options)
	}

	return nil, fmt.Errorf("no access controller registered with name: %s", name)
}
