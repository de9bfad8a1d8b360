package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/smallbiznis/billforge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Positive(t, ups)
	assert.Equal(t, ups, downs)
}

func TestSQLMigrationCoversEveryTable(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_billing_core.up.sql")
	require.NoError(t, err)
	sql := string(raw)

	db := testutil.OpenDB(t)
	require.NoError(t, AutoMigrate(db))

	for _, model := range Models() {
		table := model.(interface{ TableName() string }).TableName()
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
		assert.True(t, db.Migrator().HasTable(model), table)
	}
}
