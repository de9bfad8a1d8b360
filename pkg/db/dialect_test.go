package db

import (
	"testing"

	"github.com/smallbiznis/billforge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectSelectsDriver(t *testing.T) {
	d, err := Dialect(config.Config{DBType: "postgres", DBHost: "db", DBPort: "5432", DBName: "billforge"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	d, err = Dialect(config.Config{DBType: "MySQL"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name())

	_, err = Dialect(config.Config{DBType: "oracle"})
	assert.Error(t, err)
}

func TestDSNs(t *testing.T) {
	assert.Equal(t, "billing.db?_busy_timeout=5000&_foreign_keys=on", sqliteDSN(config.Config{DBName: "billing"}))
	assert.Equal(t, ":memory:?_busy_timeout=5000&_foreign_keys=on", sqliteDSN(config.Config{DBName: ":memory:"}))
	assert.Contains(t, postgresDSN(config.Config{DBHost: "db"}), "sslmode=disable")
	assert.Contains(t, mysqlDSN(config.Config{DBUser: "u", DBHost: "h", DBPort: "3306", DBName: "b"}), "u:@tcp(h:3306)/b?")
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, "postgres", NormalizeType(""))
	assert.Equal(t, "postgres", NormalizeType(" PostgreSQL "))
	assert.Equal(t, "sqlite", NormalizeType("SQLite"))
}
