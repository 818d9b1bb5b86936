package topology

import (
	"github.com/xinkaiwang/clusterbridge/services/bridge/api"
)

// WorkerResources is one worker's entry in a ClusterTopologySnapshot.
type WorkerResources struct {
	Host        string
	NCores      int
	MemoryBytes *int64 // nil when the worker reports no memory figure
}

// ClusterTopologySnapshot maps worker address to its resources. Captured once
// per bridge operation and never refreshed.
type ClusterTopologySnapshot map[string]WorkerResources

// SnapshotFromIdentity copies the worker table of a scheduler identity.
func SnapshotFromIdentity(identity *api.IdentityResponse) ClusterTopologySnapshot {
	snapshot := make(ClusterTopologySnapshot, len(identity.Workers))
	for addr, info := range identity.Workers {
		res := WorkerResources{Host: info.Host, NCores: info.NCores}
		if info.MemoryLimit != nil {
			mem := *info.MemoryLimit
			res.MemoryBytes = &mem
		}
		snapshot[addr] = res
	}
	return snapshot
}
