// Package uuid provides the identifiers used for blob upload sessions. The
// ids must be globally unique and unguessable so an upload cannot be hijacked
// across tenants.
package uuid

import "github.com/google/uuid"

// Generate returns a new random UUID string. Panics only if the platform
// random source is broken, matching google/uuid's NewString behavior.
func Generate() string {
	return uuid.Must(uuid.NewRandom()).String()
}

// Parse returns the canonical form of s, or an error if s is not a well
// formed UUID.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
