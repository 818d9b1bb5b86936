package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/services/bridge/api"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/common"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/etcdprov"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/procedure"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/shutdown"
)

type WorkerStatus string

const (
	WS_Init    WorkerStatus = "init"
	WS_Running WorkerStatus = "running"
	WS_Closing WorkerStatus = "closing"
	WS_Closed  WorkerStatus = "closed"
)

// Worker joins an existing coordinator cluster: it publishes an eph node under
// the scheduler's cluster and stays until closed, until its lease is lost, or
// until the scheduler stops answering heartbeats.
type Worker struct {
	cfg           *config.BridgeConfig
	procs         *procedure.Registry
	registrar     *shutdown.Registrar
	agent         *AgentClient
	schedulerAddr string
	info          api.WorkerInfo
	clusterId     string
	server        *agentServer
	session       etcdprov.EtcdSession

	mu     sync.RWMutex
	status WorkerStatus

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	chClosed  chan struct{}
}

// NewWorker starts a worker bound to the scheduler at schedulerAddr.
// A nil registrar gets a TerminateAndReplace one.
func NewWorker(ctx context.Context, cfg *config.BridgeConfig, provider etcdprov.EtcdProvider, procs *procedure.Registry, registrar *shutdown.Registrar, schedulerAddr string) (*Worker, error) {
	if registrar == nil {
		registrar = shutdown.NewRegistrar(shutdown.TerminateAndReplace)
	}
	workerId := common.NewWorkerId()
	ctx, info := klogging.CreateCtxInfo(ctx)
	info.With("role", string(procedure.RoleWorker)).With("workerId", workerId)

	runCtx, cancel := context.WithCancel(klogging.AttachToCtx(context.Background(), info))
	w := &Worker{
		cfg:           cfg,
		procs:         procs,
		registrar:     registrar,
		agent:         NewAgentClient(DefaultAgentTimeout),
		schedulerAddr: schedulerAddr,
		status:        WS_Init,
		ctx:           runCtx,
		cancel:        cancel,
		chClosed:      make(chan struct{}),
	}

	// the agent server reads clusterId and info unlocked, both are set before it serves
	identity, err := w.agent.Identity(ctx, schedulerAddr)
	if err != nil {
		cancel()
		return nil, err
	}
	w.clusterId = identity.ClusterId
	info.With("clusterId", identity.ClusterId)

	server, err := listenAgentServer(cfg.ListenHost, 0, w)
	if err != nil {
		cancel()
		return nil, err
	}
	w.server = server
	w.info = api.WorkerInfo{
		WorkerId:    workerId,
		Address:     server.address,
		Host:        cfg.ListenHost,
		NCores:      cfg.WorkerNCores,
		MemoryLimit: cfg.WorkerMemoryLimitBytes,
		StartTimeMs: kcommon.GetWallTimeMs(),
	}
	server.serve(ctx)

	if ke := kcommon.TryCatchRun(ctx, func() {
		data, err := json.Marshal(&w.info)
		if err != nil {
			panic(kerror.Wrap(err, "EncodingError", "failed to encode worker info", true))
		}
		w.session = provider.CreateEtcdSession(ctx)
		w.session.PutNode(cfg.WorkersPrefix(identity.ClusterId)+workerId, string(data))
	}); ke != nil {
		if w.session != nil {
			w.session.Close(ctx)
		}
		w.abort(ctx)
		return nil, ke
	}

	w.setStatus(WS_Running)
	go w.heartbeatLoop()
	go w.watchSession()
	klogging.Info(ctx).With("addr", w.info.Address).With("scheduler", schedulerAddr).Log("WorkerStarted", "")
	return w, nil
}

func (w *Worker) abort(ctx context.Context) {
	w.cancel()
	w.server.shutdown(ctx)
	w.setStatus(WS_Closed)
	close(w.chClosed)
}

func (w *Worker) heartbeatLoop() {
	missed := 0
	for {
		kcommon.SleepMs(w.ctx, w.cfg.WorkerHeartbeatMs)
		if w.ctx.Err() != nil {
			return
		}
		pingCtx, cancel := context.WithTimeout(w.ctx, time.Duration(w.cfg.WorkerHeartbeatMs)*time.Millisecond)
		err := w.agent.Ping(pingCtx, w.schedulerAddr)
		cancel()
		if err == nil {
			missed = 0
			continue
		}
		if w.ctx.Err() != nil {
			return
		}
		missed++
		klogging.Warning(w.ctx).WithError(err).With("missed", missed).Log("HeartbeatMissed", "")
		if missed >= w.cfg.WorkerMaxMissedHeartbeats {
			klogging.Warning(w.ctx).With("missed", missed).Log("SchedulerLost", "closing worker")
			w.Close(context.Background())
			return
		}
	}
}

func (w *Worker) watchSession() {
	select {
	case <-w.ctx.Done():
	case <-w.session.ChClosed():
		if w.ctx.Err() == nil {
			klogging.Warning(w.ctx).Log("LeaseLost", "closing worker")
			w.Close(context.Background())
		}
	}
}

func (w *Worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

func (w *Worker) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Done is closed once the worker reaches WS_Closed.
func (w *Worker) Done() <-chan struct{} {
	return w.chClosed
}

func (w *Worker) Info() api.WorkerInfo {
	return w.info
}

func (w *Worker) Address() string {
	return w.info.Address
}

func (w *Worker) Registrar() *shutdown.Registrar {
	return w.registrar
}

func (w *Worker) Identity(ctx context.Context) *api.IdentityResponse {
	info := w.info
	return &api.IdentityResponse{
		Role:             string(procedure.RoleWorker),
		ClusterId:        w.clusterId,
		Address:          w.info.Address,
		SchedulerAddress: w.schedulerAddr,
		Workers:          map[string]*api.WorkerInfo{info.Address: &info},
		Version:          common.GetVersion(),
	}
}

func (w *Worker) RunProcedure(ctx context.Context, req *api.RunRequest) (json.RawMessage, error) {
	env := &procedure.Env{Role: procedure.RoleWorker, Address: w.info.Address, Registrar: w.registrar}
	return w.procs.Invoke(klogging.AttachToCtx(ctx, klogging.GetCurrentCtxInfo(w.ctx)), env, req.Proc, req.Args)
}

// Close deregisters the worker (lease revoke), stops serving and terminates
// launched processes. Safe to call more than once and from any goroutine.
func (w *Worker) Close(ctx context.Context) {
	w.closeOnce.Do(func() {
		w.setStatus(WS_Closing)
		klogging.Info(w.ctx).Log("WorkerClosing", "")
		w.cancel()
		w.session.Close(ctx)
		w.server.shutdown(ctx)
		w.registrar.TerminateAll(ctx)
		w.setStatus(WS_Closed)
		close(w.chClosed)
		klogging.Info(ctx).With("workerId", w.info.WorkerId).Log("WorkerClosed", "")
	})
}
