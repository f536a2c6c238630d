package ledger

import (
	"sort"
	"strings"
	"sync"
)

// StoreFactory builds a Store from a full DSN.
type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory makes BuildStoreFromDSN route a scheme to factory,
// replacing any earlier registration for it. The built-in backends register
// themselves at init.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// RegisteredSchemes lists every scheme BuildStoreFromDSN accepts, sorted.
func RegisteredSchemes() []string {
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	out := make([]string, 0, len(storeFactoryRegistry.factories))
	for scheme := range storeFactoryRegistry.factories {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
