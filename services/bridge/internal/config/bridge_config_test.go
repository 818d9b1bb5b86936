package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int64(4_000_000_000), cfg.DefaultWorkerMemoryBytes)
	assert.Equal(t, 999, cfg.ConvergenceMaxAttempts)
	assert.Equal(t, 10, cfg.ConvergencePollMs)
	assert.Equal(t, "constant", cfg.ConvergenceBackoff)
	assert.Equal(t, 1000, cfg.ConvergenceBackoffMaxMs)
	assert.Equal(t, 7077, cfg.TargetMasterPort)
	assert.Nil(t, cfg.WorkerMemoryLimitBytes)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ETCD_ENDPOINTS", "etcd-0:2379,etcd-1:2379")
	t.Setenv("BRIDGE_REGISTRY_PREFIX", "/prod/bridge/")
	t.Setenv("CONVERGENCE_MIN_WORKERS", "4")
	t.Setenv("WORKER_MEMORY_LIMIT_BYTES", "8000000000")
	t.Setenv("TARGET_MASTER_PORT", "not-a-number")
	t.Setenv("CONVERGENCE_BACKOFF", "exponential")
	t.Setenv("CONVERGENCE_BACKOFF_MAX_MS", "250")

	cfg := LoadFromEnv()
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, "/prod/bridge", cfg.RegistryPrefix)
	assert.Equal(t, 4, cfg.ConvergenceMinWorkers)
	assert.Equal(t, int64(8_000_000_000), *cfg.WorkerMemoryLimitBytes)
	assert.Equal(t, 7077, cfg.TargetMasterPort)
	assert.Equal(t, "exponential", cfg.ConvergenceBackoff)
	assert.Equal(t, 250, cfg.ConvergenceBackoffMaxMs)
	assert.Equal(t, "/prod/bridge/c1/workers/", cfg.WorkersPrefix("c1"))
}
