package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kmetrics"
	"github.com/xinkaiwang/clusterbridge/services/bridge/api"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/common"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/etcdprov"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/procedure"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/shutdown"
	"go.opencensus.io/metric"
)

// Scheduler is the coordinator cluster's registry head. Workers register by
// putting eph nodes under cfg.WorkersPrefix(clusterId); the scheduler keeps
// its worker table in sync through an etcd watch.
type Scheduler struct {
	cfg       *config.BridgeConfig
	provider  etcdprov.EtcdProvider
	procs     *procedure.Registry
	registrar *shutdown.Registrar
	clusterId string
	prefix    string
	server    *agentServer
	metrics   *metric.Registry

	mu      sync.RWMutex
	workers map[string]*api.WorkerInfo // workerId -> info

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewScheduler creates an empty cluster and starts serving. A nil registrar
// gets a TerminateAndReplace one.
func NewScheduler(ctx context.Context, cfg *config.BridgeConfig, provider etcdprov.EtcdProvider, procs *procedure.Registry, registrar *shutdown.Registrar) (*Scheduler, error) {
	if registrar == nil {
		registrar = shutdown.NewRegistrar(shutdown.TerminateAndReplace)
	}
	clusterId := common.NewClusterId()
	ctx, info := klogging.CreateCtxInfo(ctx)
	info.With("role", string(procedure.RoleScheduler)).With("clusterId", clusterId)

	runCtx, cancel := context.WithCancel(klogging.AttachToCtx(context.Background(), info))
	s := &Scheduler{
		cfg:       cfg,
		provider:  provider,
		procs:     procs,
		registrar: registrar,
		clusterId: clusterId,
		prefix:    cfg.WorkersPrefix(clusterId),
		metrics:   metric.NewRegistry(),
		workers:   make(map[string]*api.WorkerInfo),
		ctx:       runCtx,
		cancel:    cancel,
	}

	if ke := kcommon.TryCatchRun(ctx, func() {
		items, rev := provider.LoadAllByPrefix(ctx, s.prefix)
		for _, item := range items {
			s.applyItem(ctx, item)
		}
		ch := provider.WatchByPrefix(runCtx, s.prefix, rev+1)
		go s.watchLoop(ch)
	}); ke != nil {
		cancel()
		return nil, ke
	}

	server, err := listenAgentServer(cfg.ListenHost, cfg.ApiPort, s)
	if err != nil {
		cancel()
		return nil, err
	}
	s.server = server
	server.serve(ctx)
	kmetrics.AddInt64DerivedGaugeWithLabels(ctx, s.metrics, func() int64 { return int64(s.WorkerCount()) },
		"coordinator_worker_count", "workers registered with the scheduler", map[string]string{"cluster_id": clusterId})
	klogging.Info(ctx).With("addr", server.address).With("prefix", s.prefix).Log("SchedulerStarted", "")
	return s, nil
}

func (s *Scheduler) watchLoop(ch chan etcdprov.EtcdKvItem) {
	for item := range ch {
		s.applyItem(s.ctx, item)
	}
	klogging.Debug(s.ctx).Log("SchedulerWatchExited", "")
}

func (s *Scheduler) applyItem(ctx context.Context, item etcdprov.EtcdKvItem) {
	workerId := strings.TrimPrefix(item.Key, s.prefix)
	if item.Value == "" {
		s.mu.Lock()
		_, existed := s.workers[workerId]
		delete(s.workers, workerId)
		s.mu.Unlock()
		if existed {
			klogging.Info(ctx).With("workerId", workerId).Log("WorkerLeft", "")
		}
		return
	}
	var info api.WorkerInfo
	if err := json.Unmarshal([]byte(item.Value), &info); err != nil {
		klogging.Warning(ctx).WithError(err).With("key", item.Key).Log("BadWorkerNode", "ignored")
		return
	}
	s.mu.Lock()
	_, existed := s.workers[workerId]
	s.workers[workerId] = &info
	s.mu.Unlock()
	if !existed {
		klogging.Info(ctx).With("workerId", workerId).With("addr", info.Address).With("host", info.Host).
			With("ncores", info.NCores).Log("WorkerArrived", "")
	}
}

func (s *Scheduler) ClusterId() string {
	return s.clusterId
}

func (s *Scheduler) Address() string {
	return s.server.address
}

func (s *Scheduler) Registrar() *shutdown.Registrar {
	return s.registrar
}

// MetricsRegistry holds the scheduler's derived gauges; main hands it to metricproducer.
func (s *Scheduler) MetricsRegistry() *metric.Registry {
	return s.metrics
}

func (s *Scheduler) WorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// Workers returns copies of the registered workers ordered by address.
func (s *Scheduler) Workers() []api.WorkerInfo {
	s.mu.RLock()
	list := make([]api.WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		list = append(list, *w)
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].Address < list[j].Address
	})
	return list
}

func (s *Scheduler) Identity(ctx context.Context) *api.IdentityResponse {
	resp := &api.IdentityResponse{
		Role:             string(procedure.RoleScheduler),
		ClusterId:        s.clusterId,
		Address:          s.Address(),
		SchedulerAddress: s.Address(),
		Workers:          make(map[string]*api.WorkerInfo),
		Version:          common.GetVersion(),
	}
	for _, w := range s.Workers() {
		info := w
		resp.Workers[info.Address] = &info
	}
	return resp
}

func (s *Scheduler) RunProcedure(ctx context.Context, req *api.RunRequest) (json.RawMessage, error) {
	env := &procedure.Env{Role: procedure.RoleScheduler, Address: s.Address(), Registrar: s.registrar}
	return s.procs.Invoke(klogging.AttachToCtx(ctx, klogging.GetCurrentCtxInfo(s.ctx)), env, req.Proc, req.Args)
}

// Close stops the watch and the HTTP server, then terminates launched processes.
func (s *Scheduler) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		klogging.Info(s.ctx).Log("SchedulerClosing", "")
		s.cancel()
		s.server.shutdown(ctx)
		s.registrar.TerminateAll(ctx)
	})
}
