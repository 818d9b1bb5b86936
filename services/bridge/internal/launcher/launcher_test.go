package launcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/procedure"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/shutdown"
)

type startCall struct {
	name string
	args []string
}

type fakeProcess struct {
	pid        int
	terminated bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.terminated = true
	return nil
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	procs []*fakeProcess
	err   error
}

func (s *fakeStarter) Start(ctx context.Context, name string, args []string) (shutdown.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, startCall{name: name, args: args})
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{pid: 1000 + len(s.procs)}
	s.procs = append(s.procs, p)
	return p, nil
}

func newEnv(role procedure.Role, addr string, policy shutdown.Policy) *procedure.Env {
	return &procedure.Env{Role: role, Address: addr, Registrar: shutdown.NewRegistrar(policy)}
}

func TestStartMaster(t *testing.T) {
	ctx := context.Background()
	starter := &fakeStarter{}
	l := NewLauncher(config.DefaultConfig(), starter)
	env := newEnv(procedure.RoleScheduler, "http://10.1.2.3:8786", shutdown.TerminateAndReplace)

	addr, err := l.StartMaster(ctx, env, StartMasterArgs{})
	require.NoError(t, err)
	assert.Equal(t, "spark://10.1.2.3:7077", addr)
	require.Len(t, starter.calls, 1)
	assert.Equal(t, "start-master.sh", starter.calls[0].name)
	assert.Equal(t, []string{"--host", "10.1.2.3", "--port", "7077"}, starter.calls[0].args)

	h, ok := env.Registrar.Lookup(shutdown.SlotMaster)
	require.True(t, ok)
	assert.Equal(t, shutdown.KindMaster, h.Kind)
	assert.Equal(t, "10.1.2.3", h.Host)
}

// Launching a second master on the same scheduler no longer loses the first
// process: the default policy stops it, the reject policy refuses the second.
func TestStartMaster_SecondLaunch(t *testing.T) {
	ctx := context.Background()

	starter := &fakeStarter{}
	l := NewLauncher(config.DefaultConfig(), starter)
	env := newEnv(procedure.RoleScheduler, "http://h:1", shutdown.TerminateAndReplace)
	_, err := l.StartMaster(ctx, env, StartMasterArgs{})
	require.NoError(t, err)
	_, err = l.StartMaster(ctx, env, StartMasterArgs{Port: 7078})
	require.NoError(t, err)
	assert.True(t, starter.procs[0].terminated)
	assert.False(t, starter.procs[1].terminated)

	starter = &fakeStarter{}
	l = NewLauncher(config.DefaultConfig(), starter)
	env = newEnv(procedure.RoleScheduler, "http://h:1", shutdown.RejectDuplicate)
	_, err = l.StartMaster(ctx, env, StartMasterArgs{})
	require.NoError(t, err)
	_, err = l.StartMaster(ctx, env, StartMasterArgs{})
	assert.True(t, kerror.IsType(err, "DuplicateRegistration"))
	assert.False(t, starter.procs[0].terminated)
	assert.True(t, starter.procs[1].terminated)
}

func TestStartSlave(t *testing.T) {
	ctx := context.Background()
	starter := &fakeStarter{}
	l := NewLauncher(config.DefaultConfig(), starter)
	env := newEnv(procedure.RoleWorker, "http://10.0.0.9:4001", shutdown.TerminateAndReplace)

	token, err := l.StartSlave(ctx, env, StartSlaveArgs{Master: "spark://10.1.2.3:7077", Cores: 6, MemoryBytes: memBytes(12e9)})
	require.NoError(t, err)
	assert.Equal(t, SlaveStartedToken, token)
	assert.Equal(t, "start-slave.sh", starter.calls[0].name)
	assert.Equal(t, []string{"spark://10.1.2.3:7077", "--cores", "6", "--memory", "12000000000B"}, starter.calls[0].args)

	_, err = l.StartSlave(ctx, env, StartSlaveArgs{Master: "spark://m:7077", Cores: 1})
	require.NoError(t, err)
	assert.Equal(t, "4000000000B", starter.calls[1].args[4])

	_, err = l.StartSlave(ctx, env, StartSlaveArgs{Cores: 1})
	assert.True(t, kerror.IsType(err, "InvalidArgs"))
}

func memBytes(v int64) *int64 {
	return &v
}

// A host that reports zero memory gets "0B", not the default.
func TestStartSlave_ZeroMemoryPassedThrough(t *testing.T) {
	ctx := context.Background()
	starter := &fakeStarter{}
	l := NewLauncher(config.DefaultConfig(), starter)
	env := newEnv(procedure.RoleWorker, "http://10.0.0.9:4001", shutdown.TerminateAndReplace)

	_, err := l.StartSlave(ctx, env, StartSlaveArgs{Master: "spark://m:7077", Cores: 2, MemoryBytes: memBytes(0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"spark://m:7077", "--cores", "2", "--memory", "0B"}, starter.calls[0].args)
}

func TestStartSlaveArgs_WireFormat(t *testing.T) {
	data, err := json.Marshal(&StartSlaveArgs{Master: "spark://m:7077", Cores: 2, MemoryBytes: memBytes(0)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"master":"spark://m:7077","cores":2,"memory_bytes":0}`, string(data))

	var decoded StartSlaveArgs
	require.NoError(t, json.Unmarshal([]byte(`{"master":"spark://m:7077","cores":2}`), &decoded))
	assert.Nil(t, decoded.MemoryBytes)
}

func TestSpawnFailurePropagates(t *testing.T) {
	ctx := context.Background()
	spawnErr := kerror.Create("SpawnFailed", "exec: not found")
	l := NewLauncher(config.DefaultConfig(), &fakeStarter{err: spawnErr})
	env := newEnv(procedure.RoleWorker, "http://h:1", shutdown.TerminateAndReplace)

	_, err := l.StartSlave(ctx, env, StartSlaveArgs{Master: "spark://m:7077", Cores: 1})
	assert.Same(t, spawnErr, err)
	assert.Empty(t, env.Registrar.Slots())
}

func TestRegisteredProcedures(t *testing.T) {
	ctx := context.Background()
	starter := &fakeStarter{}
	reg := procedure.NewRegistry()
	NewLauncher(config.DefaultConfig(), starter).RegisterProcedures(reg)
	env := newEnv(procedure.RoleScheduler, "http://sched:8786", shutdown.TerminateAndReplace)

	out, err := reg.Invoke(ctx, env, ProcStartMaster, json.RawMessage(`{"port":7001}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"spark://sched:7001"`, string(out))

	out, err = reg.Invoke(ctx, env, ProcStartSlave, json.RawMessage(`{"master":"spark://sched:7001","cores":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `"OK"`, string(out))

	_, err = reg.Invoke(ctx, env, ProcStartSlave, json.RawMessage(`[1]`))
	assert.Error(t, err)
}

func TestHostFromAddress(t *testing.T) {
	for addr, want := range map[string]string{
		"http://10.0.0.1:8786": "10.0.0.1",
		"tcp://worker-3:45000": "worker-3",
		"10.0.0.2:9000":        "10.0.0.2",
		"http://[::1]:80":      "::1",
		"bare-host":            "bare-host",
	} {
		got, err := HostFromAddress(addr)
		require.NoError(t, err, addr)
		assert.Equal(t, want, got, addr)
	}
	_, err := HostFromAddress("http://")
	assert.Error(t, err)

	assert.Equal(t, "spark://[::1]:7077", MasterAddress("spark", "::1", 7077))
	assert.Equal(t, "1B", FormatMemory(1))
}
