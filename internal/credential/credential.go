// Package credential defines the session credential handed to the messaging
// client and the rules that decide whether a candidate may be used.
package credential

import (
	"fmt"
	"strings"
	"time"
)

// Item is a single session token. Items are never patched in place; a
// credential is always replaced as a whole.
type Item struct {
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	Domain         string    `json:"domain"`
	Path           string    `json:"path"`
	HostOnly       bool      `json:"hostOnly"`
	CreatedAt      time.Time `json:"creation,omitzero"`
	LastAccessedAt time.Time `json:"lastAccessed,omitzero"`
}

// Credential is the ordered set of items the messaging service expects.
// Order carries no meaning but is kept so files round-trip unchanged.
type Credential []Item

// Header joins the items into the "key=value; key=value" form used in a
// Cookie request header.
func (c Credential) Header() string {
	pairs := make([]string, 0, len(c))
	for _, item := range c {
		pairs = append(pairs, item.Key+"="+item.Value)
	}
	return strings.Join(pairs, "; ")
}

// Clone returns a copy that shares no backing array with c.
func (c Credential) Clone() Credential {
	if c == nil {
		return nil
	}
	out := make(Credential, len(c))
	copy(out, c)
	return out
}

// Keys returns the item keys in order, for logging without leaking values.
func (c Credential) Keys() []string {
	keys := make([]string, len(c))
	for i, item := range c {
		keys[i] = item.Key
	}
	return keys
}

// Status is the lifecycle state recorded next to a credential in the
// remote store.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusReplacing Status = "replacing"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusReplacing, StatusFailed:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown credential status: %q", s)
	}
	return status, nil
}

// Secret is the login material handed to a generator. It never leaves the
// process except in the generator call itself.
type Secret struct {
	Password string
	OTPKey   string
}
