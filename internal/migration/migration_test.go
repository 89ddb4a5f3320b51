package migration

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionsAreOrdered(t *testing.T) {
	versions, err := Versions()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2, 3}, versions)
}

func TestEveryMigrationHasUpAndDown(t *testing.T) {
	src, err := newSource()
	require.NoError(t, err)
	defer src.Close()

	versions, err := Versions()
	require.NoError(t, err)

	for _, v := range versions {
		up, _, err := src.ReadUp(v)
		require.NoError(t, err, "up %d", v)
		body, err := io.ReadAll(up)
		up.Close()
		require.NoError(t, err)
		assert.NotEmpty(t, strings.TrimSpace(string(body)))

		down, _, err := src.ReadDown(v)
		require.NoError(t, err, "down %d", v)
		down.Close()
	}
}

func TestLedgerGuardTriggerShipped(t *testing.T) {
	body, err := embeddedMigrations.ReadFile("sql/000001_billing.up.sql")
	require.NoError(t, err)
	sql := strings.ToLower(string(body))
	assert.Contains(t, sql, "create table if not exists ledger_entries")
	assert.Contains(t, sql, "trigger")
}

func TestUpRequiresHandle(t *testing.T) {
	_, err := Up(nil)
	assert.Error(t, err)
}
