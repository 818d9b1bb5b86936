package shutdown

import (
	"context"
	"sort"
	"sync"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
)

type Kind string

const (
	KindMaster Kind = "master"
	KindSlave  Kind = "slave"
)

// Well-known slot names: a scheduler holds the master, a worker holds its slave.
const (
	SlotMaster = "master"
	SlotSlave  = "slave"
)

// Process is an out-of-process child the registrar can stop.
type Process interface {
	Pid() int
	Terminate() error
}

// LaunchedProcessHandle is owned by the Registrar from Register until termination.
type LaunchedProcessHandle struct {
	Kind Kind
	Host string
	Proc Process
}

type Policy int

const (
	// TerminateAndReplace stops the process already in the slot, then stores the new one.
	TerminateAndReplace Policy = iota
	// RejectDuplicate refuses to register into an occupied slot.
	RejectDuplicate
)

func (p Policy) String() string {
	if p == RejectDuplicate {
		return "reject_duplicate"
	}
	return "terminate_and_replace"
}

// Registrar is the per-process table of launched children, keyed by slot name.
type Registrar struct {
	policy Policy

	mu      sync.Mutex
	handles map[string]*LaunchedProcessHandle
}

func NewRegistrar(policy Policy) *Registrar {
	return &Registrar{
		policy:  policy,
		handles: make(map[string]*LaunchedProcessHandle),
	}
}

func (r *Registrar) Policy() Policy {
	return r.policy
}

// Register stores h under slot according to the registrar's policy.
// Under RejectDuplicate the caller still owns h when an error is returned.
func (r *Registrar) Register(ctx context.Context, slot string, h *LaunchedProcessHandle) error {
	r.mu.Lock()
	old, occupied := r.handles[slot]
	if occupied && old.Proc != h.Proc && r.policy == RejectDuplicate {
		r.mu.Unlock()
		return kerror.Create("DuplicateRegistration", "slot already holds a launched process").
			WithErrorCode(kerror.EC_CONFLICT).
			With("slot", slot).
			With("existingPid", old.Proc.Pid()).
			With("newPid", h.Proc.Pid())
	}
	r.handles[slot] = h
	r.mu.Unlock()

	if occupied && old.Proc != h.Proc {
		klogging.Info(ctx).With("slot", slot).With("oldPid", old.Proc.Pid()).With("newPid", h.Proc.Pid()).
			Log("ProcessReplaced", "terminating previous process in slot")
		terminate(ctx, slot, old)
	}
	klogging.Info(ctx).With("slot", slot).With("kind", h.Kind).With("host", h.Host).With("pid", h.Proc.Pid()).
		Log("ProcessRegistered", "")
	return nil
}

func (r *Registrar) Lookup(slot string) (*LaunchedProcessHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[slot]
	return h, ok
}

func (r *Registrar) Slots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	slots := make([]string, 0, len(r.handles))
	for slot := range r.handles {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	return slots
}

// TerminateAll signals every registered process once and empties the table.
// Termination failures are logged and swallowed. Returns how many were signalled.
func (r *Registrar) TerminateAll(ctx context.Context) int {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*LaunchedProcessHandle)
	r.mu.Unlock()

	slots := make([]string, 0, len(handles))
	for slot := range handles {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	for _, slot := range slots {
		terminate(ctx, slot, handles[slot])
	}
	return len(slots)
}

func terminate(ctx context.Context, slot string, h *LaunchedProcessHandle) {
	if err := h.Proc.Terminate(); err != nil {
		// most likely the process is already gone
		klogging.Warning(ctx).WithError(err).With("slot", slot).With("pid", h.Proc.Pid()).
			Log("TerminateFailed", "ignored")
		return
	}
	klogging.Info(ctx).With("slot", slot).With("kind", h.Kind).With("pid", h.Proc.Pid()).Log("ProcessTerminated", "")
}
