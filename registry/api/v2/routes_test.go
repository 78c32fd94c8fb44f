package v2

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/gorilla/mux"
)

type routeTestCase struct {
	RequestURI string
	Vars       map[string]string
	RouteName  string
	StatusCode int
}

// TestRouter requests each route with a representative set of paths and
// checks the matched route name and extracted vars.
func TestRouter(t *testing.T) {
	testCases := []routeTestCase{
		{
			RouteName:  RouteNameBase,
			RequestURI: "/v2/",
			Vars:       map[string]string{},
		},
		{
			RouteName:  RouteNameCatalog,
			RequestURI: "/v2/_catalog",
			Vars:       map[string]string{},
		},
		{
			RouteName:  RouteNameManifest,
			RequestURI: "/v2/foo/manifests/bar",
			Vars: map[string]string{
				"name":      "foo",
				"reference": "bar",
			},
		},
		{
			RouteName:  RouteNameManifest,
			RequestURI: "/v2/foo/bar/manifests/tag",
			Vars: map[string]string{
				"name":      "foo/bar",
				"reference": "tag",
			},
		},
		{
			RouteName:  RouteNameManifest,
			RequestURI: "/v2/foo/bar/manifests/sha256:41b1ebc8m:(",
			StatusCode: http.StatusNotFound,
		},
		{
			RouteName:  RouteNameTags,
			RequestURI: "/v2/foo/bar/tags/list",
			Vars: map[string]string{
				"name": "foo/bar",
			},
		},
		{
			// An image named "manifests" with tag "tags" must not shadow the
			// tags list route for repository "foo/bar/manifests".
			RouteName:  RouteNameTags,
			RequestURI: "/v2/foo/bar/manifests/tags/list",
			Vars: map[string]string{
				"name": "foo/bar/manifests",
			},
		},
		{
			RouteName:  RouteNameBlob,
			RequestURI: "/v2/foo/bar/blobs/sha256:abcdef0919234",
			Vars: map[string]string{
				"name":   "foo/bar",
				"digest": "sha256:abcdef0919234",
			},
		},
		{
			// A slash in place of the digest separator is not a blob route.
			RouteName:  RouteNameBlob,
			RequestURI: "/v2/foo/bar/blobs/sha256/abcdef0919234",
			StatusCode: http.StatusNotFound,
		},
		{
			RouteName:  RouteNameBlobUpload,
			RequestURI: "/v2/foo/bar/blobs/uploads/",
			Vars: map[string]string{
				"name": "foo/bar",
			},
		},
		{
			RouteName:  RouteNameBlobUploadChunk,
			RequestURI: "/v2/foo/bar/blobs/uploads/D95306FA-FAD3-4E36-8D41-CF1C93EF8286",
			Vars: map[string]string{
				"name": "foo/bar",
				"uuid": "D95306FA-FAD3-4E36-8D41-CF1C93EF8286",
			},
		},
		{
			RouteName:  RouteNameBlobUploadChunk,
			RequestURI: "/v2/foo/bar/blobs/uploads/totalandcompletejunk++$$-==",
			StatusCode: http.StatusNotFound,
		},
		{
			// Uppercase repository names never match.
			RouteName:  RouteNameTags,
			RequestURI: "/v2/Foo/Bar/tags/list",
			StatusCode: http.StatusNotFound,
		},
	}

	checkTestRouter(t, testCases, "")
	checkTestRouter(t, testCases, "/prefix/")
}

func checkTestRouter(t *testing.T, testCases []routeTestCase, prefix string) {
	router := RouterWithPrefix(prefix)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		matched := routeTestCase{
			RequestURI: r.RequestURI,
			Vars:       mux.Vars(r),
			RouteName:  mux.CurrentRoute(r).GetName(),
		}

		if err := json.NewEncoder(w).Encode(matched); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	for _, name := range []string{
		RouteNameBase,
		RouteNameManifest,
		RouteNameTags,
		RouteNameBlob,
		RouteNameBlobUpload,
		RouteNameBlobUploadChunk,
		RouteNameCatalog,
	} {
		route := router.GetRoute(name)
		if route == nil {
			t.Fatalf("route for name %q not found", name)
		}
		route.Handler(testHandler)
	}

	server := httptest.NewServer(router)
	defer server.Close()

	for _, testcase := range testCases {
		requestURI := prefix
		if prefix != "" {
			requestURI = prefix[:len(prefix)-1]
		}
		requestURI += testcase.RequestURI

		resp, err := http.Get(server.URL + requestURI)
		if err != nil {
			t.Fatalf("error issuing get request: %v", err)
		}

		expectedStatus := testcase.StatusCode
		if expectedStatus == 0 {
			expectedStatus = http.StatusOK
		}

		if resp.StatusCode != expectedStatus {
			t.Fatalf("unexpected status for %s: %v, expected %v", requestURI, resp.StatusCode, expectedStatus)
		}

		if expectedStatus != http.StatusOK {
			resp.Body.Close()
			continue
		}

		var matched routeTestCase
		if err := json.NewDecoder(resp.Body).Decode(&matched); err != nil {
			t.Fatalf("error reading json response: %v", err)
		}
		resp.Body.Close()

		if matched.RouteName != testcase.RouteName {
			t.Fatalf("incorrect route %q matched for %s, expected %q", matched.RouteName, requestURI, testcase.RouteName)
		}

		if !reflect.DeepEqual(matched.Vars, testcase.Vars) {
			t.Fatalf("unexpected vars for %s: %#v != %#v", requestURI, matched.Vars, testcase.Vars)
		}
	}
}
