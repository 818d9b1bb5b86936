package bridge

import (
	"context"
	"sync"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/coordinator"
)

const (
	StatusAlreadyOccupied = "already occupied"
	StatusCompleted       = "completed"
)

// BootstrappedWorker is the coordinator worker a slot hosts.
type BootstrappedWorker interface {
	Status() coordinator.WorkerStatus
	Close(ctx context.Context)
}

type WorkerFactory func(ctx context.Context, schedulerAddr string) (BootstrappedWorker, error)

// SlotGuard makes "become a coordinator worker" idempotent within one
// execution slot: at most one worker is active per guard.
type SlotGuard struct {
	factory WorkerFactory
	pollMs  int
	clock   kcommon.TimeProvider

	mu     sync.Mutex
	active BootstrappedWorker
}

func NewSlotGuard(factory WorkerFactory, pollMs int, clock kcommon.TimeProvider) *SlotGuard {
	if clock == nil {
		clock = kcommon.GetTimeProvider()
	}
	return &SlotGuard{factory: factory, pollMs: pollMs, clock: clock}
}

// StartWorker starts a worker bound to schedulerAddr and holds the slot until
// that worker is closed. A second call while the slot is held returns
// ["already occupied"] at once. If ctx ends first the worker is closed.
func (g *SlotGuard) StartWorker(ctx context.Context, schedulerAddr string) ([]string, error) {
	g.mu.Lock()
	if g.active != nil {
		g.mu.Unlock()
		return []string{StatusAlreadyOccupied}, nil
	}
	w, err := g.factory(ctx, schedulerAddr)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.active = w
	g.mu.Unlock()
	klogging.Info(ctx).With("scheduler", schedulerAddr).Log("SlotWorkerStarted", "")

	for w.Status() != coordinator.WS_Closed {
		if ctx.Err() != nil {
			w.Close(context.Background())
			break
		}
		g.clock.SleepMs(ctx, g.pollMs)
	}

	g.mu.Lock()
	if g.active == w {
		g.active = nil
	}
	g.mu.Unlock()
	klogging.Info(ctx).With("scheduler", schedulerAddr).Log("SlotWorkerCompleted", "")
	return []string{StatusCompleted}, nil
}

func (g *SlotGuard) Occupied() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active != nil
}

// SlotTable hands out one SlotGuard per execution slot id.
type SlotTable struct {
	factory WorkerFactory
	pollMs  int
	clock   kcommon.TimeProvider

	mu     sync.Mutex
	guards map[int]*SlotGuard
}

func NewSlotTable(factory WorkerFactory, pollMs int, clock kcommon.TimeProvider) *SlotTable {
	return &SlotTable{factory: factory, pollMs: pollMs, clock: clock, guards: make(map[int]*SlotGuard)}
}

func (t *SlotTable) Guard(slot int) *SlotGuard {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.guards[slot]
	if !ok {
		g = NewSlotGuard(t.factory, t.pollMs, t.clock)
		t.guards[slot] = g
	}
	return g
}

func (t *SlotTable) OccupiedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, g := range t.guards {
		if g.Occupied() {
			n++
		}
	}
	return n
}
