//go:build !sqlite

package storage

import "fmt"

func newSQLiteStore(path string) (Store, error) {
	return nil, fmt.Errorf("sqlite backend unavailable in this build (path %q); rebuild with -tags sqlite", path)
}

// DefaultStoreKind is the backend used when none is configured.
func DefaultStoreKind() string {
	return "memory"
}
