package store

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	assert.Contains(t, ms[0].SQL, "CREATE TABLE IF NOT EXISTS executions")
}

func TestLoadMigrations_OrderAndNames(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_events_index.sql": {Data: []byte("SELECT 1;")},
		"migrations/002_add_mode.sql":     {Data: []byte("SELECT 2;")},
	}
	ms, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 2, ms[0].Version)
	assert.Equal(t, "add_mode", ms[0].Name)
	assert.Equal(t, 10, ms[1].Version)

	_, err = loadMigrations(fstest.MapFS{"migrations/initial.sql": {Data: []byte("")}})
	assert.Error(t, err)

	_, err = loadMigrations(fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte("")},
		"migrations/1_b.sql":   {Data: []byte("")},
	})
	assert.ErrorContains(t, err, "already used")
}

func TestSQLStatements(t *testing.T) {
	script := `-- executions
CREATE TABLE a (id TEXT);
-- only a comment;
CREATE INDEX i ON a(id);

`
	assert.Equal(t, []string{"CREATE TABLE a (id TEXT)", "CREATE INDEX i ON a(id)"}, sqlStatements(script))
}

func TestMigrate_RecordsVersionOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, s.Migrate(ctx))
	var applied int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM `+schemaVersionTable).Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestMigrate_RefusesNewerSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.DB().ExecContext(ctx, `INSERT INTO `+schemaVersionTable+` (version, name) VALUES (99, 'future')`)
	require.NoError(t, err)

	err = s.Migrate(ctx)
	assert.ErrorContains(t, err, "newer than supported")
}
