package procedure

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/shutdown"
)

type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
)

// Env describes the process a procedure runs in.
type Env struct {
	Role      Role
	Address   string // the agent's own address, http://host:port
	Registrar *shutdown.Registrar
}

// Func is a remotely invocable procedure. args is the caller's raw JSON; the
// result is marshalled back to the caller.
type Func func(ctx context.Context, env *Env, args json.RawMessage) (interface{}, error)

// Registry maps procedure names to implementations.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Func)}
}

// Register replaces any earlier procedure of the same name.
func (r *Registry) Register(name string, fn Func) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = fn
	return r
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named procedure and marshals its result.
func (r *Registry) Invoke(ctx context.Context, env *Env, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.procs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, kerror.Create("UnknownProcedure", "procedure not registered").
			WithErrorCode(kerror.EC_NOT_FOUND).
			With("proc", name)
	}
	result, err := fn(ctx, env, args)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, kerror.Wrap(err, "EncodingError", "failed to encode procedure result", true).
			WithErrorCode(kerror.EC_INTERNAL_ERROR).
			With("proc", name)
	}
	return data, nil
}

// DecodeArgs unmarshals args into v; empty args leave v untouched.
func DecodeArgs(name string, args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return kerror.Wrap(err, "InvalidArgs", "failed to decode procedure args", false).
			WithErrorCode(kerror.EC_INVALID_PARAMETER).
			With("proc", name)
	}
	return nil
}
