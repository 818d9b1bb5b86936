package bridge

import (
	"context"
	"encoding/json"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kmetrics"
	"github.com/xinkaiwang/clusterbridge/services/bridge/api"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/launcher"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/target"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/topology"
)

// Coordinator is the remote-execution surface of a coordinator cluster.
// *coordinator.Client implements it.
type Coordinator interface {
	Identity(ctx context.Context) (*api.IdentityResponse, error)
	RunOnScheduler(ctx context.Context, proc string, args interface{}) (json.RawMessage, error)
	RunOnWorkers(ctx context.Context, workers []string, proc string, argsFor func(worker string) interface{}) (map[string]json.RawMessage, error)
}

// Forward stands up a target cluster on the coordinator cluster's hosts: one
// master on the scheduler, one slave per host sized to the host's summed
// capacity. Remote failures are returned as is; nothing already launched is
// rolled back (launched processes stay with their agents' registrars).
func Forward(ctx context.Context, coord Coordinator, cfg *config.BridgeConfig) (*target.Client, error) {
	var client *target.Client
	err := kmetrics.InstrumentSummaryRunError(ctx, "bridge.Forward", func(ctx context.Context) error {
		var err error
		client, err = forward(ctx, coord, cfg)
		return err
	}, "")
	return client, err
}

func forward(ctx context.Context, coord Coordinator, cfg *config.BridgeConfig) (*target.Client, error) {
	identity, err := coord.Identity(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := topology.SnapshotFromIdentity(identity)
	hosts, err := topology.Aggregate(snapshot, cfg.DefaultWorkerMemoryBytes)
	if err != nil {
		return nil, err
	}
	klogging.Info(ctx).With("clusterId", identity.ClusterId).With("workers", len(snapshot)).With("hosts", len(hosts)).
		Log("ForwardBridge", "cluster topology captured")

	out, err := coord.RunOnScheduler(ctx, launcher.ProcStartMaster, &launcher.StartMasterArgs{Port: cfg.TargetMasterPort})
	if err != nil {
		return nil, err
	}
	var master string
	if err := json.Unmarshal(out, &master); err != nil {
		return nil, kerror.Wrap(err, "RemoteExecutionFailure", "unexpected start_master result", false).
			WithErrorCode(kerror.EC_INTERNAL_ERROR).With("result", string(out))
	}
	klogging.Info(ctx).With("master", master).Log("ForwardBridge", "master started")

	// one slave per host, on its representative worker
	byWorker := make(map[string]*topology.HostResourceSummary, len(hosts))
	workers := make([]string, 0, len(hosts))
	totalCores := 0
	for _, host := range topology.SortedHosts(hosts) {
		summary := hosts[host]
		byWorker[summary.RepresentativeWorkerAddress] = summary
		workers = append(workers, summary.RepresentativeWorkerAddress)
		totalCores += summary.TotalCores
	}
	_, err = coord.RunOnWorkers(ctx, workers, launcher.ProcStartSlave, func(worker string) interface{} {
		summary := byWorker[worker]
		memory := summary.TotalMemoryBytes
		return &launcher.StartSlaveArgs{
			Master:      master,
			Cores:       summary.TotalCores,
			MemoryBytes: &memory,
		}
	})
	if err != nil {
		return nil, err
	}
	klogging.Info(ctx).With("master", master).With("slaves", len(workers)).With("cores", totalCores).
		Log("ForwardBridge", "target cluster started")
	return target.NewClient(master, totalCores), nil
}
