package topology

import (
	"sort"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
)

// HostResourceSummary is the capacity of one host, summed over its workers.
type HostResourceSummary struct {
	RepresentativeWorkerAddress string
	TotalCores                  int
	TotalMemoryBytes            int64
}

func EmptyClusterError() *kerror.Kerror {
	return kerror.Create("EmptyClusterError", "coordinator cluster has no workers").
		WithErrorCode(kerror.EC_INVALID_PARAMETER)
}

// Aggregate groups the snapshot by host. Workers without a memory figure count
// as defaultMemoryBytes. The representative worker of a host is the lowest
// address on it, so repeated runs over the same snapshot pick the same one.
func Aggregate(snapshot ClusterTopologySnapshot, defaultMemoryBytes int64) (map[string]*HostResourceSummary, error) {
	if len(snapshot) == 0 {
		return nil, EmptyClusterError()
	}
	addrs := make([]string, 0, len(snapshot))
	for addr := range snapshot {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	hosts := make(map[string]*HostResourceSummary)
	for _, addr := range addrs {
		w := snapshot[addr]
		summary, ok := hosts[w.Host]
		if !ok {
			summary = &HostResourceSummary{RepresentativeWorkerAddress: addr}
			hosts[w.Host] = summary
		}
		summary.TotalCores += w.NCores
		if w.MemoryBytes != nil {
			summary.TotalMemoryBytes += *w.MemoryBytes
		} else {
			summary.TotalMemoryBytes += defaultMemoryBytes
		}
	}
	return hosts, nil
}

// SortedHosts lists the hosts of an aggregate in stable order.
func SortedHosts(hosts map[string]*HostResourceSummary) []string {
	list := make([]string, 0, len(hosts))
	for host := range hosts {
		list = append(list, host)
	}
	sort.Strings(list)
	return list
}
