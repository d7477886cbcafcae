// Package testutil provides test utilities for store setup.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/agentbus/internal/store"
)

// NewTestDB creates a fully migrated store in a per-test temp directory.
// A file-backed store (not :memory:) keeps every pooled connection on the
// same database, which the concurrency tests depend on. Closed via
// t.Cleanup.
func NewTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
