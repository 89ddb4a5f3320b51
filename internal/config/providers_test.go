package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProviderCatalogHolderLoadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yml")
	body := `providers:
  - code: airtel-ga
    kind: http_prefix
    carrier: airtel
    endpoint: https://gateway.example/send
    sender_id: SMSGATE
    success_marker: OK
    unit_cost: 25
    timeout: 5s
    active: true
    credentials:
      username: demo
      password: secret
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	holder, err := NewProviderCatalogHolder(Config{ProviderCatalogPath: path}, zap.NewNop())
	require.NoError(t, err)

	catalog := holder.Get()
	require.Len(t, catalog.Providers, 1)
	entry := catalog.Providers[0]
	assert.Equal(t, "airtel-ga", entry.Code)
	assert.Equal(t, int64(25), entry.UnitCost)
	assert.Equal(t, 5*time.Second, entry.Timeout)
	assert.True(t, entry.Active)
	assert.Equal(t, "secret", entry.Credentials["password"])
}

func TestValidateProviderCatalogRejectsDuplicates(t *testing.T) {
	err := validateProviderCatalog(ProviderCatalog{Providers: []ProviderEntry{
		{Code: "a", Carrier: "airtel"},
		{Code: "a", Carrier: "moov"},
	}})
	assert.Error(t, err)
}

func TestGetenvList(t *testing.T) {
	t.Setenv("DISPATCH_NON_RETRYABLE", " invalid_number, ,provider_rejected")
	assert.Equal(t, []string{"INVALID_NUMBER", "PROVIDER_REJECTED"}, getenvList("DISPATCH_NON_RETRYABLE", nil))
}
