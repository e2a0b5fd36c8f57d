// Package credentialtest builds credentials for tests in other packages.
package credentialtest

import (
	"strings"
	"time"

	"github.com/semmy-space/credkeep/internal/credential"
)

// Valid returns a four-item credential that passes credential.Validate.
// Different seeds produce different values so tests can tell credentials
// apart.
func Valid(seed string) credential.Credential {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	keys := []string{"c_user", "xs", "fr", "datr"}
	c := make(credential.Credential, 0, len(keys))
	for _, k := range keys {
		c = append(c, credential.Item{
			Key:            k,
			Value:          Value(seed + "-" + k),
			Domain:         "facebook.com",
			Path:           "/",
			CreatedAt:      created,
			LastAccessedAt: created,
		})
	}
	return c
}

// Value pads prefix to exactly credential.MinValueLength characters.
func Value(prefix string) string {
	if len(prefix) >= credential.MinValueLength {
		return prefix
	}
	return prefix + strings.Repeat("x", credential.MinValueLength-len(prefix))
}
