package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilesAreEmbedded(t *testing.T) {
	files, err := fs.Glob(migrationFS, "files/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, name := range files {
		data, err := fs.ReadFile(migrationFS, name)
		require.NoError(t, err)
		body := string(data)
		assert.True(t, strings.HasPrefix(body, "-- +goose Up"), name)
		assert.Contains(t, body, "-- +goose Down", name)
	}
}

func TestRecordedAtIsAssignedByTheDatabase(t *testing.T) {
	data, err := fs.ReadFile(migrationFS, "files/00001_create_audit_logs.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "recorded_at    TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()")
}
