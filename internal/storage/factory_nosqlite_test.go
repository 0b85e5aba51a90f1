//go:build !sqlite

package storage

import "testing"

func TestNewStoreSQLiteRequiresBuildTag(t *testing.T) {
	if _, err := NewStore("sqlite", "runs.db"); err == nil {
		t.Fatal("expected sqlite backend to be unavailable without the build tag")
	}
}

func TestDefaultStoreKindIsMemoryWithoutSQLite(t *testing.T) {
	if got := DefaultStoreKind(); got != "memory" {
		t.Fatalf("unexpected default store: got=%s want=memory", got)
	}
}
