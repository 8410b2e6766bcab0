package store

import (
	"fmt"
	"sort"

	"github.com/tokenforge/token-registry/internal/config"
)

// BackendType represents the type of storage backend.
type BackendType string

const (
	BackendTypeRedis  BackendType = "redis"
	BackendTypeMemory BackendType = "memory"
)

// Factory is a function type that creates a TokenStore instance.
type Factory func(cfg *config.Config) (TokenStore, error)

// factories holds registered storage factories.
var factories = make(map[BackendType]Factory)

// Register registers a storage factory.
func Register(backendType BackendType, factory Factory) {
	factories[backendType] = factory
}

// Create creates a new TokenStore instance based on the backend type.
func Create(backendType BackendType, cfg *config.Config) (TokenStore, error) {
	factory, ok := factories[backendType]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q (supported: %v)", backendType, SupportedTypes())
	}
	return factory(cfg)
}

// SupportedTypes returns the registered backend types, sorted for stable
// error messages.
func SupportedTypes() []BackendType {
	types := make([]BackendType, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// IsSupported returns true if the backend type is supported.
func IsSupported(backendType BackendType) bool {
	_, ok := factories[backendType]
	return ok
}
