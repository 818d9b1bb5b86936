package config

import (
	"runtime"
	"strings"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
)

// BridgeConfig collects every tunable of the bridge. Zero values are never
// valid; always start from LoadFromEnv or DefaultConfig.
type BridgeConfig struct {
	EtcdEndpoints      []string
	EtcdTimeoutMs      int
	EtcdLeaseTimeoutMs int
	RegistryPrefix     string // etcd prefix under which clusters register workers
	ListenHost         string
	ApiPort            int // 0 picks a free port
	MetricsPort        int

	TargetMasterCmd    string
	TargetSlaveCmd     string
	TargetMasterScheme string
	TargetMasterPort   int

	DefaultWorkerMemoryBytes int64

	ConvergenceDeadlineMs   int
	ConvergenceMaxAttempts  int
	ConvergencePollMs       int
	ConvergenceBackoff      string // constant|linear|exponential|jitter, first delay is ConvergencePollMs
	ConvergenceBackoffMaxMs int
	ConvergenceMinWorkers   int
	SlotPollMs              int

	WorkerHeartbeatMs         int
	WorkerMaxMissedHeartbeats int
	WorkerNCores              int
	WorkerMemoryLimitBytes    *int64
}

func DefaultConfig() *BridgeConfig {
	return &BridgeConfig{
		EtcdEndpoints:             []string{"localhost:2379"},
		EtcdTimeoutMs:             3 * 1000,
		EtcdLeaseTimeoutMs:        15 * 1000,
		RegistryPrefix:            "/bridge",
		ListenHost:                "127.0.0.1",
		ApiPort:                   0,
		MetricsPort:               9090,
		TargetMasterCmd:           "start-master.sh",
		TargetSlaveCmd:            "start-slave.sh",
		TargetMasterScheme:        "spark",
		TargetMasterPort:          7077,
		DefaultWorkerMemoryBytes:  4_000_000_000,
		ConvergenceDeadlineMs:     10 * 1000,
		ConvergenceMaxAttempts:    999,
		ConvergencePollMs:         10,
		ConvergenceBackoff:        "constant",
		ConvergenceBackoffMaxMs:   1000,
		ConvergenceMinWorkers:     1,
		SlotPollMs:                100,
		WorkerHeartbeatMs:         1000,
		WorkerMaxMissedHeartbeats: 3,
		WorkerNCores:              runtime.NumCPU(),
	}
}

// LoadFromEnv overlays environment variables on DefaultConfig.
func LoadFromEnv() *BridgeConfig {
	cfg := DefaultConfig()
	if endpoints := kcommon.GetEnvString("ETCD_ENDPOINTS", ""); endpoints != "" {
		cfg.EtcdEndpoints = strings.Split(endpoints, ",")
	}
	cfg.EtcdTimeoutMs = kcommon.GetEnvInt("ETCD_TIMEOUT_MS", cfg.EtcdTimeoutMs)
	cfg.EtcdLeaseTimeoutMs = kcommon.GetEnvInt("ETCD_LEASE_TIMEOUT_MS", cfg.EtcdLeaseTimeoutMs)
	cfg.RegistryPrefix = strings.TrimSuffix(kcommon.GetEnvString("BRIDGE_REGISTRY_PREFIX", cfg.RegistryPrefix), "/")
	cfg.ListenHost = kcommon.GetEnvString("BRIDGE_LISTEN_HOST", cfg.ListenHost)
	cfg.ApiPort = kcommon.GetEnvInt("API_PORT", cfg.ApiPort)
	cfg.MetricsPort = kcommon.GetEnvInt("METRICS_PORT", cfg.MetricsPort)
	cfg.TargetMasterCmd = kcommon.GetEnvString("TARGET_MASTER_CMD", cfg.TargetMasterCmd)
	cfg.TargetSlaveCmd = kcommon.GetEnvString("TARGET_SLAVE_CMD", cfg.TargetSlaveCmd)
	cfg.TargetMasterScheme = kcommon.GetEnvString("TARGET_MASTER_SCHEME", cfg.TargetMasterScheme)
	cfg.TargetMasterPort = kcommon.GetEnvInt("TARGET_MASTER_PORT", cfg.TargetMasterPort)
	cfg.DefaultWorkerMemoryBytes = kcommon.GetEnvInt64("DEFAULT_WORKER_MEMORY_BYTES", cfg.DefaultWorkerMemoryBytes)
	cfg.ConvergenceDeadlineMs = kcommon.GetEnvInt("CONVERGENCE_DEADLINE_MS", cfg.ConvergenceDeadlineMs)
	cfg.ConvergenceMaxAttempts = kcommon.GetEnvInt("CONVERGENCE_MAX_ATTEMPTS", cfg.ConvergenceMaxAttempts)
	cfg.ConvergencePollMs = kcommon.GetEnvInt("CONVERGENCE_POLL_MS", cfg.ConvergencePollMs)
	cfg.ConvergenceBackoff = kcommon.GetEnvString("CONVERGENCE_BACKOFF", cfg.ConvergenceBackoff)
	cfg.ConvergenceBackoffMaxMs = kcommon.GetEnvInt("CONVERGENCE_BACKOFF_MAX_MS", cfg.ConvergenceBackoffMaxMs)
	cfg.ConvergenceMinWorkers = kcommon.GetEnvInt("CONVERGENCE_MIN_WORKERS", cfg.ConvergenceMinWorkers)
	cfg.SlotPollMs = kcommon.GetEnvInt("SLOT_POLL_MS", cfg.SlotPollMs)
	cfg.WorkerHeartbeatMs = kcommon.GetEnvInt("WORKER_HEARTBEAT_MS", cfg.WorkerHeartbeatMs)
	cfg.WorkerMaxMissedHeartbeats = kcommon.GetEnvInt("WORKER_MAX_MISSED_HEARTBEATS", cfg.WorkerMaxMissedHeartbeats)
	cfg.WorkerNCores = kcommon.GetEnvInt("WORKER_NCORES", cfg.WorkerNCores)
	if mem := kcommon.GetEnvInt64("WORKER_MEMORY_LIMIT_BYTES", 0); mem > 0 {
		cfg.WorkerMemoryLimitBytes = &mem
	}
	return cfg
}

// WorkersPrefix is where the workers of one coordinator cluster register.
func (cfg *BridgeConfig) WorkersPrefix(clusterId string) string {
	return cfg.RegistryPrefix + "/" + clusterId + "/workers/"
}
