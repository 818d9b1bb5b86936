package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/etcdprov"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/procedure"
)

func testConfig() *config.BridgeConfig {
	cfg := config.DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.ApiPort = 0
	cfg.WorkerHeartbeatMs = 20
	cfg.WorkerMaxMissedHeartbeats = 2
	cfg.WorkerNCores = 3
	return cfg
}

func testProcs() *procedure.Registry {
	return procedure.NewRegistry().
		Register("whoami", func(ctx context.Context, env *procedure.Env, args json.RawMessage) (interface{}, error) {
			return string(env.Role), nil
		}).
		Register("fail", func(ctx context.Context, env *procedure.Env, args json.RawMessage) (interface{}, error) {
			return nil, kerror.Create("SpawnFailed", "exec: not found").WithErrorCode(kerror.EC_INTERNAL_ERROR)
		})
}

func TestSchedulerWorkerLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	provider := etcdprov.NewFakeEtcdProvider()

	sched, err := NewScheduler(ctx, cfg, provider, testProcs(), nil)
	require.NoError(t, err)
	defer sched.Close(ctx)
	assert.Equal(t, 0, sched.WorkerCount())

	w1, err := NewWorker(ctx, cfg, provider, testProcs(), nil, sched.Address())
	require.NoError(t, err)
	w2, err := NewWorker(ctx, cfg, provider, testProcs(), nil, sched.Address())
	require.NoError(t, err)
	assert.Equal(t, WS_Running, w1.Status())

	assert.Eventually(t, func() bool { return sched.WorkerCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	client := NewClient(sched.Address())
	identity, err := client.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, sched.ClusterId(), identity.ClusterId)
	require.Contains(t, identity.Workers, w1.Address())
	assert.Equal(t, 3, identity.Workers[w1.Address()].NCores)
	assert.Equal(t, "127.0.0.1", identity.Workers[w1.Address()].Host)

	out, err := client.RunOnScheduler(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"scheduler"`, string(out))

	results, err := client.RunOnWorkers(ctx, []string{w1.Address(), w2.Address()}, "whoami", func(string) interface{} { return nil })
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.JSONEq(t, `"worker"`, string(results[w2.Address()]))

	w1.Close(ctx)
	assert.Equal(t, WS_Closed, w1.Status())
	assert.Eventually(t, func() bool { return sched.WorkerCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, w2.Address(), sched.Workers()[0].Address)

	w2.Close(ctx)
	w2.Close(ctx)
	assert.Eventually(t, func() bool { return sched.WorkerCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerClosesWhenSchedulerGone(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	provider := etcdprov.NewFakeEtcdProvider()

	sched, err := NewScheduler(ctx, cfg, provider, testProcs(), nil)
	require.NoError(t, err)
	w, err := NewWorker(ctx, cfg, provider, testProcs(), nil, sched.Address())
	require.NoError(t, err)

	sched.Close(ctx)
	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		require.FailNow(t, "worker did not notice the scheduler went away")
	}
	assert.Equal(t, WS_Closed, w.Status())
	assert.Equal(t, 0, provider.Count(cfg.RegistryPrefix))
}

func TestWorkerClosesWhenLeaseLost(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.WorkerHeartbeatMs = 1000
	provider := etcdprov.NewFakeEtcdProvider()

	sched, err := NewScheduler(ctx, cfg, provider, testProcs(), nil)
	require.NoError(t, err)
	defer sched.Close(ctx)
	w, err := NewWorker(ctx, cfg, provider, testProcs(), nil, sched.Address())
	require.NoError(t, err)

	w.session.Close(ctx)
	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		require.FailNow(t, "worker did not close after lease loss")
	}
}

func TestWorkerFailsWithoutScheduler(t *testing.T) {
	ctx := context.Background()
	_, err := NewWorker(ctx, testConfig(), etcdprov.NewFakeEtcdProvider(), testProcs(), nil, "http://127.0.0.1:1")
	assert.True(t, kerror.IsType(err, "RemoteExecutionFailure"))
}

func TestWorkerServesClusterIdOnceStarted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	provider := etcdprov.NewFakeEtcdProvider()

	sched, err := NewScheduler(ctx, cfg, provider, testProcs(), nil)
	require.NoError(t, err)
	defer sched.Close(ctx)

	for i := 0; i < 5; i++ {
		w, err := NewWorker(ctx, cfg, provider, testProcs(), nil, sched.Address())
		require.NoError(t, err)
		identity, err := NewAgentClient(DefaultAgentTimeout).Identity(ctx, w.Address())
		require.NoError(t, err)
		assert.Equal(t, sched.ClusterId(), identity.ClusterId)
		assert.Equal(t, w.Address(), identity.Address)
		assert.Contains(t, identity.Workers, w.Address())
		w.Close(ctx)
	}
}

func TestRemoteFailureCarriesRemoteType(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	sched, err := NewScheduler(ctx, cfg, etcdprov.NewFakeEtcdProvider(), testProcs(), nil)
	require.NoError(t, err)
	defer sched.Close(ctx)

	client := NewClient(sched.Address())
	_, err = client.RunOnScheduler(ctx, "fail", nil)
	require.Error(t, err)
	var ke *kerror.Kerror
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, "RemoteExecutionFailure", ke.Type)
	assert.Equal(t, "SpawnFailed", ke.GetDetail("errorType"))
	assert.Equal(t, kerror.EC_INTERNAL_ERROR, ke.ErrorCode)
	assert.Equal(t, "exec: not found", ke.Msg)

	_, err = client.RunOnScheduler(ctx, "no_such_proc", nil)
	assert.Equal(t, "UnknownProcedure", err.(*kerror.Kerror).GetDetail("errorType"))
	assert.Equal(t, kerror.EC_NOT_FOUND, err.(*kerror.Kerror).ErrorCode)
}

func TestRunOnWorkersPartialFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	provider := etcdprov.NewFakeEtcdProvider()
	sched, err := NewScheduler(ctx, cfg, provider, testProcs(), nil)
	require.NoError(t, err)
	defer sched.Close(ctx)
	w, err := NewWorker(ctx, cfg, provider, testProcs(), nil, sched.Address())
	require.NoError(t, err)
	defer w.Close(ctx)

	client := NewClient(sched.Address())
	results, err := client.RunOnWorkers(ctx, []string{w.Address(), "http://127.0.0.1:1"}, "whoami", func(string) interface{} { return nil })
	assert.True(t, kerror.IsType(err, "RemoteExecutionFailure"))
	assert.Contains(t, results, w.Address())
}

func TestOwningClientClosesScheduler(t *testing.T) {
	ctx := context.Background()
	sched, err := NewScheduler(ctx, testConfig(), etcdprov.NewFakeEtcdProvider(), testProcs(), nil)
	require.NoError(t, err)
	client := NewOwningClient(sched.Address(), sched)
	require.NoError(t, client.Ping(ctx))

	client.Close(ctx)
	assert.Error(t, client.Ping(ctx))
	client.Close(ctx)
}
