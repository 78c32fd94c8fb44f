package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stevedore/stevedore/configuration"
	"github.com/stevedore/stevedore/internal/dcontext"
	"github.com/stevedore/stevedore/reference"
	"github.com/stevedore/stevedore/registry/api/errcode"
	v2 "github.com/stevedore/stevedore/registry/api/v2"
	"github.com/stevedore/stevedore/registry/auth"
	_ "github.com/stevedore/stevedore/registry/auth/silly"
	"github.com/stevedore/stevedore/registry/storage"
	memorycache "github.com/stevedore/stevedore/registry/storage/cache/memory"
	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"
	"github.com/stevedore/stevedore/registry/storage/driver/inmemory"
)

// TestAppDispatcher installs a probe dispatcher on each named route and
// checks that dispatch populates the request context with the repository
// and route variables. Entity handler behavior is covered elsewhere.
func TestAppDispatcher(t *testing.T) {
	driver := inmemory.New()
	ctx := dcontext.Background()
	registry, err := storage.NewRegistry(ctx, driver,
		storage.BlobDescriptorCacheProvider(memorycache.NewInMemoryBlobDescriptorCacheProvider()),
		storage.EnableDelete, storage.EnableRedirect)
	if err != nil {
		t.Fatalf("error creating registry: %v", err)
	}
	app := &App{
		Config:   &configuration.Configuration{},
		Context:  ctx,
		router:   v2.Router(),
		driver:   driver,
		registry: registry,
	}
	server := httptest.NewServer(app)
	defer server.Close()
	router := v2.Router()

	serverURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("error parsing server url: %v", err)
	}

	varCheckingDispatcher := func(expectedVars map[string]string) dispatchFunc {
		return func(ctx *Context, r *http.Request) http.Handler {
			if ctx.Repository == nil || ctx.Repository.Named().Name() != expectedVars["name"] {
				t.Fatalf("unexpected repository in context: %v", ctx.Repository)
			}

			for expectedK, expectedV := range expectedVars {
				if dcontext.GetStringValue(ctx, "vars."+expectedK) != expectedV {
					t.Fatalf("unexpected %s in context vars: %q != %q",
						expectedK, dcontext.GetStringValue(ctx, "vars."+expectedK), expectedV)
				}
			}

			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}
	}

	// unflatten converts a gorilla/mux pair list into a map.
	unflatten := func(vars []string) map[string]string {
		m := make(map[string]string)
		for i := 0; i < len(vars)-1; i = i + 2 {
			m[vars[i]] = vars[i+1]
		}

		return m
	}

	for _, testcase := range []struct {
		endpoint string
		vars     []string
	}{
		{
			endpoint: v2.RouteNameManifest,
			vars: []string{
				"name", "foo/bar",
				"reference", "sometag",
			},
		},
		{
			endpoint: v2.RouteNameTags,
			vars: []string{
				"name", "foo/bar",
			},
		},
		{
			endpoint: v2.RouteNameBlobUpload,
			vars: []string{
				"name", "foo/bar",
			},
		},
		{
			endpoint: v2.RouteNameBlobUploadChunk,
			vars: []string{
				"name", "foo/bar",
				"uuid", "theuuid",
			},
		},
	} {
		app.register(testcase.endpoint, varCheckingDispatcher(unflatten(testcase.vars)))
		route := router.GetRoute(testcase.endpoint).Host(serverURL.Host)
		u, err := route.URL(testcase.vars...)
		if err != nil {
			t.Fatal(err)
		}

		resp, err := http.Get("http://" + u.Host + u.Path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status code: %v != %v", resp.StatusCode, http.StatusOK)
		}
	}
}

// TestNewApp builds an app from configuration with auth enabled and
// checks that an unauthenticated request draws the backend's challenge.
func TestNewApp(t *testing.T) {
	config := &configuration.Configuration{
		Storage: configuration.Storage{
			"inmemory": configuration.Parameters{},
		},
		Auth: configuration.Auth{
			"silly": configuration.Parameters{
				"realm":   "realm-test",
				"service": "service-test",
			},
		},
	}

	app := NewApp(dcontext.Background(), config)

	server := httptest.NewServer(app)
	defer server.Close()
	builder, err := v2.NewURLBuilderFromString(server.URL, false)
	if err != nil {
		t.Fatalf("error creating urlbuilder: %v", err)
	}

	baseURL, err := builder.BuildBaseURL()
	if err != nil {
		t.Fatalf("error creating baseURL: %v", err)
	}

	req, err := http.Get(baseURL)
	if err != nil {
		t.Fatalf("unexpected error during GET: %v", err)
	}
	defer req.Body.Close()

	if req.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status code during request: %v", err)
	}

	if req.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content-type: %v != %v", req.Header.Get("Content-Type"), "application/json")
	}

	expectedAuthHeader := "Bearer realm=\"realm-test\",service=\"service-test\""
	if e, a := expectedAuthHeader, req.Header.Get("WWW-Authenticate"); e != a {
		t.Fatalf("unexpected WWW-Authenticate header: %q != %q", e, a)
	}

	var errs errcode.Errors
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(&errs); err != nil {
		t.Fatalf("error decoding error response: %v", err)
	}

	err2, ok := errs[0].(errcode.ErrorCoder)
	if !ok {
		t.Fatalf("not an ErrorCoder: %#v", errs[0])
	}
	if err2.ErrorCode() != errcode.ErrorCodeUnauthorized {
		t.Fatalf("unexpected error code: %v != %v", err2.ErrorCode(), errcode.ErrorCodeUnauthorized)
	}
}

// pullOnlyAccessController authenticates everyone but refuses any action
// other than pull without issuing a challenge.
type pullOnlyAccessController struct{}

func (pullOnlyAccessController) Authorized(ctx context.Context, access ...auth.Access) (context.Context, error) {
	for _, a := range access {
		if a.Action != "pull" {
			return nil, errors.New("pull-only controller: write access refused")
		}
	}
	return auth.WithUser(ctx, auth.UserInfo{Name: "reader"}), nil
}

func init() {
	auth.Register("pullonly", func(options map[string]interface{}) (auth.AccessController, error) {
		return pullOnlyAccessController{}, nil
	})
}

// TestAccessDenied checks that a backend denial without a challenge is
// relayed as 403 DENIED and that reads still pass.
func TestAccessDenied(t *testing.T) {
	config := &configuration.Configuration{
		Storage: configuration.Storage{
			"inmemory": configuration.Parameters{},
		},
		Auth: configuration.Auth{
			"pullonly": configuration.Parameters{},
		},
	}

	app := NewApp(dcontext.Background(), config)
	server := httptest.NewServer(app)
	defer server.Close()

	builder, err := v2.NewURLBuilderFromString(server.URL, false)
	if err != nil {
		t.Fatalf("error creating urlbuilder: %v", err)
	}

	imageName, err := reference.WithName("foo/denied")
	if err != nil {
		t.Fatalf("error parsing name: %v", err)
	}

	uploadURL, err := builder.BuildBlobUploadURL(imageName)
	if err != nil {
		t.Fatalf("error building upload url: %v", err)
	}

	resp, err := http.Post(uploadURL, "", nil)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status starting upload: %v != %v", resp.StatusCode, http.StatusForbidden)
	}

	var errs errcode.Errors
	if err := json.NewDecoder(resp.Body).Decode(&errs); err != nil {
		t.Fatalf("error decoding error response: %v", err)
	}
	if len(errs) == 0 {
		t.Fatal("expected error body")
	}
	coder, ok := errs[0].(errcode.ErrorCoder)
	if !ok {
		t.Fatalf("not an ErrorCoder: %#v", errs[0])
	}
	if coder.ErrorCode() != errcode.ErrorCodeDenied {
		t.Fatalf("unexpected error code: %v != %v", coder.ErrorCode(), errcode.ErrorCodeDenied)
	}

	// A pull against the same repository passes authorization and falls
	// through to a storage-level 404.
	tagsURL, err := builder.BuildTagsURL(imageName)
	if err != nil {
		t.Fatalf("error building tags url: %v", err)
	}

	resp2, err := http.Get(tagsURL)
	if err != nil {
		t.Fatalf("error fetching tags: %v", err)
	}
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status fetching tags: %v != %v", resp2.StatusCode, http.StatusNotFound)
	}
}

// TestUnauthorizedUploadLeavesNoSession checks that a challenged upload
// request is refused before any upload state lands in storage.
func TestUnauthorizedUploadLeavesNoSession(t *testing.T) {
	config := &configuration.Configuration{
		Storage: configuration.Storage{
			"inmemory": configuration.Parameters{},
		},
		Auth: configuration.Auth{
			"silly": configuration.Parameters{
				"realm":   "realm-test",
				"service": "service-test",
			},
		},
	}

	app := NewApp(dcontext.Background(), config)
	server := httptest.NewServer(app)
	defer server.Close()

	builder, err := v2.NewURLBuilderFromString(server.URL, false)
	if err != nil {
		t.Fatalf("error creating urlbuilder: %v", err)
	}

	imageName, err := reference.WithName("foo/unauthorized")
	if err != nil {
		t.Fatalf("error parsing name: %v", err)
	}

	uploadURL, err := builder.BuildBlobUploadURL(imageName)
	if err != nil {
		t.Fatalf("error building upload url: %v", err)
	}

	resp, err := http.Post(uploadURL, "", nil)
	if err != nil {
		t.Fatalf("error starting upload: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status starting upload: %v != %v", resp.StatusCode, http.StatusUnauthorized)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("missing WWW-Authenticate header")
	}

	var errs errcode.Errors
	if err := json.NewDecoder(resp.Body).Decode(&errs); err != nil {
		t.Fatalf("error decoding error response: %v", err)
	}
	if len(errs) == 0 {
		t.Fatal("expected error body")
	}
	coder, ok := errs[0].(errcode.ErrorCoder)
	if !ok {
		t.Fatalf("not an ErrorCoder: %#v", errs[0])
	}
	if coder.ErrorCode() != errcode.ErrorCodeUnauthorized {
		t.Fatalf("unexpected error code: %v != %v", coder.ErrorCode(), errcode.ErrorCodeUnauthorized)
	}

	// No repository directory means no _uploads session was created.
	_, err = app.driver.List(dcontext.Background(), "/docker/registry/v2/repositories")
	if _, ok := err.(storagedriver.PathNotFoundError); !ok {
		t.Fatalf("expected empty repository tree, got: %v", err)
	}
}
