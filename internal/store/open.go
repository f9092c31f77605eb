// ABOUTME: Backend selection for the configured store
// ABOUTME: Maps backend/driver/path settings onto SQLite, Badger or memory stores

package store

import "fmt"

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Options selects and locates a store backend.
type Options struct {
	Backend string // sqlite (default), badger, memory
	Driver  string // sqlite backend only: sqlite or sqlite3
	Path    string
}

// Open returns the Store described by opts.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		return NewSQLiteStore(opts.Path, opts.Driver)
	case BackendBadger:
		if opts.Path == "" {
			return NewInMemoryBadgerStore()
		}
		return NewBadgerStore(opts.Path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
