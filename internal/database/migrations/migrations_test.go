package migrations

import (
	"io/fs"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/testutil"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(files, "sql/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, n := range names {
		base := strings.TrimPrefix(n, "sql/")
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			ups[strings.TrimSuffix(base, ".up.sql")] = true
		case strings.HasSuffix(base, ".down.sql"):
			downs[strings.TrimSuffix(base, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %s", n)
		}
	}
	assert.Equal(t, ups, downs)
	assert.True(t, ups["000001_schema"])
}

func TestSchemaMigrationCoversEveryModel(t *testing.T) {
	raw, err := fs.ReadFile(files, "sql/000001_schema.up.sql")
	require.NoError(t, err)
	schema := string(raw)

	db := testutil.NewDB(t)
	for _, m := range models.All {
		table := db.Table(reflect.TypeOf(m).Elem()).Name
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}
