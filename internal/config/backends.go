package config

import (
	"fmt"
	"sort"
)

// BackendInfo describes a remote store backend.
type BackendInfo struct {
	Name        string
	Description string
	Shared      bool // usable by several hosts at once
}

// Backends maps remote_backend values to their description.
var Backends = map[string]BackendInfo{
	"sqlite": {
		Name:        "sqlite",
		Description: "SQLite database file (single host or shared volume)",
	},
	"mongo": {
		Name:        "mongo",
		Description: "MongoDB collection (multiple hosts)",
		Shared:      true,
	},
	"memory": {
		Name:        "memory",
		Description: "In-process map, lost on exit (testing only)",
	},
}

// DefaultBackend is used when remote_backend is empty.
const DefaultBackend = "sqlite"

// GetBackend returns the backend named name. Empty means DefaultBackend.
func GetBackend(name string) (BackendInfo, error) {
	if name == "" {
		name = DefaultBackend
	}
	b, ok := Backends[name]
	if !ok {
		return BackendInfo{}, fmt.Errorf("unknown remote backend: %s", name)
	}
	return b, nil
}

// ValidBackends returns a sorted list of valid backend names
func ValidBackends() []string {
	names := make([]string, 0, len(Backends))
	for name := range Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
