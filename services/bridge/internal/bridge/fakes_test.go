package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/xinkaiwang/clusterbridge/services/bridge/api"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/coordinator"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/target"
)

/********************** fakeCoordinator **********************/

type workerCall struct {
	worker string
	args   interface{}
}

type fakeCoordinator struct {
	identity    *api.IdentityResponse
	identityErr error
	masterErr   error
	slaveErr    error

	mu            sync.Mutex
	masterCalls   int
	slaveCalls    []workerCall
	schedulerArgs []interface{}
}

func (f *fakeCoordinator) Identity(ctx context.Context) (*api.IdentityResponse, error) {
	return f.identity, f.identityErr
}

func (f *fakeCoordinator) RunOnScheduler(ctx context.Context, proc string, args interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masterCalls++
	f.schedulerArgs = append(f.schedulerArgs, args)
	if f.masterErr != nil {
		return nil, f.masterErr
	}
	return json.RawMessage(`"spark://10.0.0.1:7077"`), nil
}

func (f *fakeCoordinator) RunOnWorkers(ctx context.Context, workers []string, proc string, argsFor func(worker string) interface{}) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := map[string]json.RawMessage{}
	for _, w := range workers {
		f.slaveCalls = append(f.slaveCalls, workerCall{worker: w, args: argsFor(w)})
		results[w] = json.RawMessage(`"OK"`)
	}
	return results, f.slaveErr
}

/********************** fakeScheduler **********************/

// fakeScheduler reports whatever worker count the test sets, counting polls.
type fakeScheduler struct {
	workers  atomic.Int32
	polls    atomic.Int32
	arriveAt int32 // >0: report one worker from this poll on
	closed   atomic.Bool
	addr     string
}

func (s *fakeScheduler) Address() string {
	return s.addr
}

func (s *fakeScheduler) WorkerCount() int {
	n := s.polls.Add(1)
	if s.arriveAt > 0 && n >= s.arriveAt {
		return 1
	}
	return int(s.workers.Load())
}

func (s *fakeScheduler) Close(ctx context.Context) {
	s.closed.Store(true)
}

/********************** fakeWorker **********************/

type fakeWorker struct {
	status atomic.Value // coordinator.WorkerStatus
	onStop func()
}

func newFakeWorker(onStop func()) *fakeWorker {
	w := &fakeWorker{onStop: onStop}
	w.status.Store(coordinator.WS_Running)
	return w
}

func (w *fakeWorker) Status() coordinator.WorkerStatus {
	return w.status.Load().(coordinator.WorkerStatus)
}

func (w *fakeWorker) Close(ctx context.Context) {
	if w.status.Swap(coordinator.WS_Closed) != coordinator.WS_Closed && w.onStop != nil {
		w.onStop()
	}
}

/********************** idleRuntime **********************/

// idleRuntime never runs the bootstrap task.
type idleRuntime struct {
	calls atomic.Int32
}

func (r *idleRuntime) DefaultParallelism() int {
	return 4
}

func (r *idleRuntime) RunPartitions(ctx context.Context, n int, fn target.PartitionFunc) (int, error) {
	r.calls.Add(1)
	return 0, nil
}
