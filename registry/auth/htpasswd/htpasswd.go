package htpasswd

import (
	"bufio"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/stevedore/stevedore/registry/auth"

	"golang.org/x/crypto/bcrypt"
)

// authType represents a particular hash function used in an htpasswd entry.
type authType int

const (
	authTypePlainText authType = iota // plain-text storage (htpasswd -p)
	authTypeSHA1                      // sha1 hashed storage (htpasswd -s)
	authTypeApacheMD5                 // apr iterated md5 (htpasswd -m)
	authTypeBCrypt                    // bcrypt adaptive hashing (htpasswd -B)
)

var bcryptPrefixRegexp = regexp.MustCompile(`^\$2[abxy]?\$`)

// credentialType inspects an htpasswd credential and guesses the hash
// algorithm used.
func credentialType(cred string) authType {
	switch {
	case strings.HasPrefix(cred, "{SHA}"):
		return authTypeSHA1
	case strings.HasPrefix(cred, "$apr1$"):
		return authTypeApacheMD5
	case bcryptPrefixRegexp.MatchString(cred):
		return authTypeBCrypt
	}
	return authTypePlainText
}

// htpasswd holds the parsed entries of an htpasswd file.
type htpasswd struct {
	entries map[string][]byte // maps username to credential
}

// newHTPasswd parses the reader and returns an htpasswd or an error.
func newHTPasswd(rd io.Reader) (*htpasswd, error) {
	entries, err := parseHTPasswd(rd)
	if err != nil {
		return nil, err
	}

	return &htpasswd{entries: entries}, nil
}

// authenticateUser checks a given user:password credential against the
// parsed entries. If the check passes, nil is returned.
func (htpasswd *htpasswd) authenticateUser(username string, password string) error {
	credential, ok := htpasswd.entries[username]
	if !ok {
		// timing attack paranoia
		bcrypt.CompareHashAndPassword([]byte{}, []byte(password))

		return auth.ErrAuthenticationFailure
	}

	switch credentialType(string(credential)) {
	case authTypeSHA1:
		sha := sha1.New()
		sha.Write([]byte(password))
		hash := base64.StdEncoding.EncodeToString(sha.Sum(nil))
		if subtle.ConstantTimeCompare(credential[len("{SHA}"):], []byte(hash)) != 1 {
			return auth.ErrAuthenticationFailure
		}
		return nil
	case authTypeBCrypt:
		if err := bcrypt.CompareHashAndPassword(credential, []byte(password)); err != nil {
			return auth.ErrAuthenticationFailure
		}
		return nil
	case authTypePlainText:
		if subtle.ConstantTimeCompare(credential, []byte(password)) != 1 {
			return auth.ErrAuthenticationFailure
		}
		return nil
	}

	// apr1 md5 entries are not supported
	return auth.ErrAuthenticationFailure
}

// parseHTPasswd parses the contents of htpasswd. This will read all the
// entries in the file, whether or not they are needed. An error is returned
// if a syntax errors are encountered or if the reader fails.
func parseHTPasswd(rd io.Reader) (map[string][]byte, error) {
	entries := map[string][]byte{}
	scanner := bufio.NewScanner(rd)
	var line int
	for scanner.Scan() {
		line++ // 1-based line numbering
		t := strings.TrimSpace(scanner.Text())

		if len(t) < 1 {
			continue
		}

		// lines that *begin* with a '#' are considered comments
		if t[0] == '#' {
			continue
		}

		i := strings.Index(t, ":")
		if i < 0 || i >= len(t) {
			return nil, fmt.Errorf("htpasswd: invalid entry at line %d: %q", line, scanner.Text())
		}

		entries[t[:i]] = []byte(t[i+1:])
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
