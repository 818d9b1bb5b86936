package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/backoff"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/coordinator"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/target"
)

func schedulerFactory(s *fakeScheduler) SchedulerFactory {
	return func(ctx context.Context) (LocalScheduler, error) {
		return s, nil
	}
}

func mockPolicy(clock kcommon.TimeProvider) ConvergencePolicy {
	return ConvergencePolicy{
		MinWorkers:  1,
		MaxAttempts: 999,
		Backoff:     backoff.NewConstant(10 * time.Millisecond),
		Clock:       clock,
	}
}

func idleSlots() *SlotTable {
	return NewSlotTable(func(ctx context.Context, addr string) (BootstrappedWorker, error) {
		return newFakeWorker(nil), nil
	}, 5, nil)
}

func TestReverse_TimesOutAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := kcommon.NewMockTimeProvider()
	sched := &fakeScheduler{addr: "http://127.0.0.1:8786"}

	client, err := Reverse(ctx, &idleRuntime{}, schedulerFactory(sched), idleSlots(), mockPolicy(clock))
	assert.Nil(t, client)
	require.True(t, kerror.IsType(err, "NoWorkersArrivedError"))
	ke := err.(*kerror.Kerror)
	assert.Equal(t, kerror.EC_TIMEOUT, ke.ErrorCode)
	assert.Equal(t, 999, ke.GetDetail("attempts"))
	assert.Equal(t, int64(998), clock.SleepCount())
	assert.Equal(t, int32(999), sched.polls.Load())
	// orphaned scheduler is not left behind
	assert.True(t, sched.closed.Load())
}

func TestReverse_StopsPollingOnceAWorkerArrives(t *testing.T) {
	ctx := context.Background()
	clock := kcommon.NewMockTimeProvider()
	sched := &fakeScheduler{addr: "http://127.0.0.1:8786", arriveAt: 37}

	client, err := Reverse(ctx, &idleRuntime{}, schedulerFactory(sched), idleSlots(), mockPolicy(clock))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8786", client.SchedulerAddress())
	assert.Equal(t, int32(37), sched.polls.Load())
	assert.Equal(t, int64(36), clock.SleepCount())
	assert.False(t, sched.closed.Load())

	// the returned client owns the scheduler
	client.Close(ctx)
	assert.True(t, sched.closed.Load())
}

func TestReverse_WorkersAlreadyPresent(t *testing.T) {
	ctx := context.Background()
	clock := kcommon.NewMockTimeProvider()
	sched := &fakeScheduler{addr: "http://127.0.0.1:8786"}
	sched.workers.Store(3)

	_, err := Reverse(ctx, &idleRuntime{}, schedulerFactory(sched), idleSlots(), mockPolicy(clock))
	require.NoError(t, err)
	assert.Equal(t, int32(1), sched.polls.Load())
	assert.Equal(t, int64(0), clock.SleepCount())
}

func TestReverse_DeadlineBeforeMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := kcommon.NewMockTimeProvider()
	sched := &fakeScheduler{addr: "http://127.0.0.1:8786"}
	policy := mockPolicy(clock)
	policy.MaxAttempts = 1_000_000
	policy.Deadline = 100 * time.Millisecond

	_, err := Reverse(ctx, &idleRuntime{}, schedulerFactory(sched), idleSlots(), policy)
	require.True(t, kerror.IsType(err, "NoWorkersArrivedError"))
	ke := err.(*kerror.Kerror)
	assert.Equal(t, 11, ke.GetDetail("attempts"))
	assert.Equal(t, int64(100), ke.GetDetail("elapsedMs"))
}

func TestReverse_MinWorkers(t *testing.T) {
	ctx := context.Background()
	clock := kcommon.NewMockTimeProvider()
	sched := &fakeScheduler{addr: "http://127.0.0.1:8786", arriveAt: 2}
	policy := mockPolicy(clock)
	policy.MinWorkers = 2
	policy.MaxAttempts = 5

	// arriveAt only ever yields a single worker
	_, err := Reverse(ctx, &idleRuntime{}, schedulerFactory(sched), idleSlots(), policy)
	assert.True(t, kerror.IsType(err, "NoWorkersArrivedError"))
	assert.Equal(t, int32(5), sched.polls.Load())
}

func TestReverse_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sched := &fakeScheduler{addr: "http://127.0.0.1:8786"}

	_, err := Reverse(ctx, &idleRuntime{}, schedulerFactory(sched), idleSlots(), mockPolicy(kcommon.NewMockTimeProvider()))
	assert.True(t, kerror.IsType(err, "ConvergenceCancelled"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, sched.closed.Load())
}

func TestReverse_SchedulerCreationFails(t *testing.T) {
	ctx := context.Background()
	boom := kerror.Create("EtcdLoadError", "etcd unavailable")
	rt := &idleRuntime{}

	_, err := Reverse(ctx, rt, func(ctx context.Context) (LocalScheduler, error) {
		return nil, boom
	}, idleSlots(), mockPolicy(kcommon.NewMockTimeProvider()))
	assert.Same(t, boom, err)
	assert.Equal(t, int32(0), rt.calls.Load())
}

func TestReverse_DispatchesBootstrapTask(t *testing.T) {
	ctx := context.Background()
	sched := &fakeScheduler{addr: "http://127.0.0.1:8786"}
	rt := &idleRuntime{}
	policy := ConvergencePolicy{
		MinWorkers:  1,
		MaxAttempts: 3,
		Backoff:     backoff.NewConstant(time.Millisecond),
	}

	_, err := Reverse(ctx, rt, schedulerFactory(sched), idleSlots(), policy)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return rt.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	policy, err := PolicyFromConfig(cfg)
	assert.NoError(t, err)
	assert.Equal(t, 1, policy.MinWorkers)
	assert.Equal(t, 999, policy.MaxAttempts)
	assert.Equal(t, 10*time.Second, policy.Deadline)
	assert.Equal(t, 10*time.Millisecond, policy.Backoff.Delay(1))
	assert.Equal(t, 10*time.Millisecond, policy.Backoff.Delay(500))
}

func TestPolicyFromConfig_ExponentialBackoff(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConvergenceBackoff = "exponential"
	cfg.ConvergenceBackoffMaxMs = 50
	policy, err := PolicyFromConfig(cfg)
	assert.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, policy.Backoff.Delay(1))
	assert.Equal(t, 40*time.Millisecond, policy.Backoff.Delay(3))
	assert.Equal(t, 50*time.Millisecond, policy.Backoff.Delay(10))
}

func TestPolicyFromConfig_UnknownBackoff(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConvergenceBackoff = "sometimes"
	_, err := PolicyFromConfig(cfg)
	assert.Error(t, err)
}

func TestReverse_FailingSlotLeavesHealthyWorkersRunning(t *testing.T) {
	ctx := context.Background()
	sched := &fakeScheduler{addr: "http://127.0.0.1:8786", arriveAt: 1}
	healthy := newFakeWorker(nil)
	failed := make(chan struct{})
	var calls atomic.Int32
	slots := NewSlotTable(func(ctx context.Context, addr string) (BootstrappedWorker, error) {
		if calls.Add(1) == 1 {
			return healthy, nil
		}
		time.Sleep(50 * time.Millisecond)
		defer close(failed)
		return nil, kerror.Create("ListenFailed", "port busy")
	}, 5, nil)

	client, err := Reverse(ctx, target.NewClient("spark://127.0.0.1:7077", 2), schedulerFactory(sched), slots, mockPolicy(kcommon.NewMockTimeProvider()))
	require.NoError(t, err)
	defer client.Close(ctx)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "second slot never ran")
	}
	// give the dispatch time to react to the failure
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, coordinator.WS_Running, healthy.Status())
	assert.Equal(t, 1, slots.OccupiedCount())

	healthy.Close(ctx)
	assert.Eventually(t, func() bool { return slots.OccupiedCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
