package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThorbenD/htlc-relay/domain"
)

const sampleYAML = `
log:
  level: debug
  format: json
store_path: /var/lib/relayd
coordinator:
  retry_interval: 30s
  miss_capacity: 128
ledgers:
  - id: sepolia
    kind: evm
    role: source
    evm:
      rpc_url: wss://sepolia.example/ws
      chain_id: 11155111
      private_key_env: TEST_RELAY_KEY
      escrow: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
      confirmations: 2
      start_block: 5200000
  - id: lnd-regtest
    kind: lightning
    role: destination
    lightning:
      host: localhost:10009
      tls_cert_path: /lnd/tls.cert
      macaroon_path: /lnd/admin.macaroon
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_RELAY_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	t.Setenv("RELAY_COORDINATOR_WORKERS", "9")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/var/lib/relayd", cfg.StorePath)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 9, cfg.Coordinator.Workers)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.RetryInterval)
	assert.Equal(t, 2*time.Minute, cfg.Coordinator.ClaimTimeout)
	assert.Equal(t, 128, cfg.Coordinator.MissCapacity)
	assert.Equal(t, time.Hour, cfg.Coordinator.MissRetention)
	assert.Equal(t, 500*time.Millisecond, cfg.Watcher.BackoffInitial)

	require.Len(t, cfg.Ledgers, 2)
	evm := cfg.Ledgers[0]
	assert.Equal(t, domain.RoleSource, evm.DomainRole())
	assert.Equal(t, int64(11155111), evm.EVM.ChainID)
	assert.Equal(t, 2, evm.EVM.Confirmations)
	assert.Equal(t, uint64(5_200_000), evm.EVM.StartBlock)
	assert.Zero(t, evm.EVM.LogRange)
	assert.NotEmpty(t, evm.EVM.PrivateKey)
	assert.Equal(t, domain.RoleDestination, cfg.Ledgers[1].DomainRole())
	assert.Equal(t, "localhost:10009", cfg.Ledgers[1].Lightning.Host)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Log:       LogConfig{Level: "loud", Format: "xml"},
		StorePath: "data",
		Ledgers: []LedgerConfig{
			{ID: "a", Kind: KindEVM, Role: "source", EVM: EVMConfig{Escrow: "nope"}},
			{ID: "a", Kind: "solana", Role: "sideways"},
		},
	}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)

	msg := err.Error()
	for _, want := range []string{
		`log.level "loud"`,
		`log.format "xml"`,
		"evm.rpc_url is required",
		"evm.chain_id is required",
		"evm.private_key",
		`evm.escrow "nope"`,
		`duplicate ledger id "a"`,
		`role "sideways"`,
		`kind "solana"`,
		"one source and one destination",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateNeedsTwoLedgers(t *testing.T) {
	cfg := &Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		StorePath: "data",
		Ledgers: []LedgerConfig{{
			ID: "ln", Kind: KindLightning, Role: "destination",
			Lightning: LightningConfig{Host: "h", TLSCertPath: "c", MacaroonPath: "m"},
		}},
	}
	require.ErrorIs(t, cfg.Validate(), ErrInvalid)
	assert.Contains(t, cfg.Validate().Error(), "at least two ledgers")
}

func TestSlogLevel(t *testing.T) {
	lvl, err := LogConfig{Level: "warn"}.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl.String())
}
