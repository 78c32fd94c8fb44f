package htpasswd

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stevedore/stevedore/internal/dcontext"
	"github.com/stevedore/stevedore/registry/auth"
)

const testHtpasswdContent = `# test accounts
bilbo:{SHA}5siv5c0SHx681xU6GiSx9ZQryqs=
frodo:$2b$05$LcF0t77lEKP1QmadE3C42eX.qemc7kLe0hAQHt/W6YUepn9JBVMc.
DeokMan:$2b$05$Ta6k21u45/Q6v0rMWlhe5eLR352U9UkMYErpmdGSG
samwise:brandybuck
`

func TestBasicAccessController(t *testing.T) {
	testRealm := "The-Shire"

	tempFile, err := os.CreateTemp(t.TempDir(), "htpasswd-test")
	if err != nil {
		t.Fatal("could not create temporary htpasswd file")
	}
	if _, err = tempFile.WriteString(testHtpasswdContent); err != nil {
		t.Fatal("could not write temporary htpasswd file")
	}
	tempFile.Close()

	accessController, err := newAccessController(map[string]interface{}{
		"realm": testRealm,
		"path":  tempFile.Name(),
	})
	if err != nil {
		t.Fatalf("error creating access controller: %v", err)
	}

	var expectedUser string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := dcontext.WithRequest(dcontext.Background(), r)
		authCtx, err := accessController.Authorized(ctx)
		if err != nil {
			switch err := err.(type) {
			case auth.Challenge:
				err.SetHeaders(r, w)
				w.WriteHeader(http.StatusUnauthorized)
				return
			default:
				t.Errorf("unexpected error authorizing request: %v", err)
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}

		userInfo, ok := authCtx.Value(auth.UserKey).(auth.UserInfo)
		if !ok {
			t.Error("htpasswd accessController did not set auth.user context")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if userInfo.Name != expectedUser {
			t.Errorf("expected user name %q, got %q", expectedUser, userInfo.Name)
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("unexpected error during GET: %v", err)
	}
	resp.Body.Close()

	// Request without credentials should not be authorized.
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected non-fail response status: %v != %v", resp.StatusCode, http.StatusUnauthorized)
	}

	expectedChallenge := `Basic realm="` + testRealm + `"`
	if challenge := resp.Header.Get("WWW-Authenticate"); challenge != expectedChallenge {
		t.Fatalf("unexpected WWW-Authenticate header: %q != %q", challenge, expectedChallenge)
	}

	for _, tc := range []struct {
		username string
		password string
		status   int
	}{
		{"bilbo", "baggins", http.StatusNoContent},           // sha1 entry
		{"frodo", "baggins", http.StatusNoContent},           // bcrypt entry
		{"frodo", "wrongpassword", http.StatusUnauthorized},  // bcrypt entry, bad password
		{"samwise", "brandybuck", http.StatusNoContent},      // plaintext entry
		{"DeokMan", "공주님", http.StatusUnauthorized},          // truncated bcrypt hash never matches
		{"gollum", "precious", http.StatusUnauthorized},      // unknown user
		{"bilbo", "", http.StatusUnauthorized},               // empty password
	} {
		expectedUser = tc.username

		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		if err != nil {
			t.Fatalf("error allocating new request: %v", err)
		}
		req.SetBasicAuth(tc.username, tc.password)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("unexpected error during GET: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != tc.status {
			t.Fatalf("unexpected status for user %q: %v != %v", tc.username, resp.StatusCode, tc.status)
		}
	}
}

func TestCreateHtpasswdFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new", "htpasswd")

	if _, err := newAccessController(map[string]interface{}{
		"realm": "testing",
		"path":  path,
	}); err != nil {
		t.Fatalf("error creating access controller: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected htpasswd file to be created: %v", err)
	}
	if len(content) != 0 {
		t.Fatalf("expected empty htpasswd file, got %q", string(content))
	}
}
