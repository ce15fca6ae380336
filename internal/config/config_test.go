package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte(`
ledger:
  asset: FLX
  admin: acct:admin
webhooks:
  - url: https://example.test/hooks
    topics: [created, cancelled]
    timeout_seconds: 3
`))
	require.NoError(t, err)
	assert.Equal(t, "FLX", cfg.Ledger.Asset)
	assert.Equal(t, "acct:admin", cfg.Ledger.Admin)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"created", "cancelled"}, cfg.Webhooks[0].Topics)
	assert.Equal(t, 3, cfg.Webhooks[0].TimeoutSeconds)
}

func TestValidateRejections(t *testing.T) {
	_, err := FromYAML([]byte("ledger:\n  admin: acct:admin\n"))
	assert.ErrorContains(t, err, "asset")

	_, err = FromYAML([]byte("ledger:\n  asset: FLX\n"))
	assert.ErrorContains(t, err, "admin")

	_, err = FromYAML([]byte(`
ledger:
  asset: FLX
  admin: acct:admin
webhooks:
  - topics: [created]
`))
	assert.ErrorContains(t, err, "url")
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("FLX", "acct:admin")))
	require.NoError(t, err)
	assert.Equal(t, "FLX", cfg.Ledger.Asset)
	assert.Equal(t, "acct:admin", cfg.Ledger.Admin)
	assert.Empty(t, cfg.Webhooks)
}
