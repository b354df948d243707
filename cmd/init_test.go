package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("WOLFE_DATABASE_TYPE", "sqlite")
	os.Setenv("WOLFE_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("WOLFE_DATABASE_TYPE")
			os.Unsetenv("WOLFE_DATABASE")
		},
	)

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "Initialization complete")

	// the conversation log table should exist and be queryable
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable("conversation_entries"))
}
