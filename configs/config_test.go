package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("IDEMPOTENCY_BACKEND", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_DSN", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Idempotency.Backend)
	require.Equal(t, 30*time.Second, cfg.Idempotency.PersistFor)
	require.Equal(t, 5*time.Minute, cfg.Idempotency.LockTTL)
	require.Equal(t, 1000, cfg.Idempotency.PruneBatchSize)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Contains(t, cfg.Database.DSN, "port=5432")
}

func TestLoad_MySQLDSN(t *testing.T) {
	t.Setenv("DB_DRIVER", "MySQL")
	t.Setenv("DB_DSN", "")
	t.Setenv("DB_PORT", "")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_PASSWORD", "p")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_NAME", "idem")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "mysql", cfg.Database.Driver)
	require.Equal(t, "u:p@tcp(db:3306)/idem?parseTime=true&multiStatements=true", cfg.Database.DSN)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("IDEMPOTENCY_BACKEND", "etcd")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	_, err := Load()
	require.Error(t, err)
}

func TestGetDurationEnv_FallsBackOnGarbage(t *testing.T) {
	t.Setenv("IDEMPOTENCY_PERSIST_FOR", "soon")
	require.Equal(t, time.Minute, getDurationEnv("IDEMPOTENCY_PERSIST_FOR", time.Minute))
}
