package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-intake-go/internal/config"
	"doc-intake-go/internal/model"
)

func TestInitDatabaseSQLite(t *testing.T) {
	db, err := InitDatabase(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "intake.db")})
	require.NoError(t, err)

	for _, m := range model.All() {
		assert.True(t, db.Migrator().HasTable(m), "missing table for %T", m)
	}
	assert.True(t, db.Migrator().HasIndex(&model.InboundDocument{}, "idx_documents_dedup"))
	assert.True(t, db.Migrator().HasIndex(&model.ExtractionAttempt{}, "idx_attempts_document_sequence"))
	assert.NoError(t, Ping(db))
}

func TestInitDatabaseUnsupportedDriver(t *testing.T) {
	_, err := InitDatabase(config.DatabaseConfig{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
