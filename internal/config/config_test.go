package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, args []string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))

	v := viper.New()
	require.NoError(t, v.BindPFlags(fs))
	return v
}

func TestLoadAppliesDefaults(t *testing.T) {
	v := newViper(t, nil)
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "memory", cfg.StoreBackend)
	require.Equal(t, "memory", cfg.BusBackend)
	require.Equal(t, 32, cfg.OutboundQueueSize)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	v := newViper(t, []string{"--log-level=verbose"})
	_, err := Load(v)
	require.ErrorContains(t, err, "invalid log-level")
}

func TestLoadRequiresPostgresDSNForPostgresBackend(t *testing.T) {
	v := newViper(t, []string{"--store-backend=postgres"})
	_, err := Load(v)
	require.ErrorContains(t, err, "postgres-dsn is required")
}

func TestLoadRequiresRedisAddrForRedisBackend(t *testing.T) {
	v := newViper(t, []string{"--bus-backend=redis"})
	_, err := Load(v)
	require.ErrorContains(t, err, "redis-addr is required")
}

func TestLoadRejectsWriteBurstWithoutLimit(t *testing.T) {
	v := newViper(t, []string{"--write-rate-limit=10", "--write-burst=0"})
	_, err := Load(v)
	require.ErrorContains(t, err, "write-burst must be >= 1")
}

func TestLoadAcceptsPostgresBackendWithDSN(t *testing.T) {
	v := newViper(t, []string{"--store-backend=postgres", "--postgres-dsn=postgres://localhost/relay"})
	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/relay", cfg.PostgresDSN)
}
