package coordinator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/services/bridge/api"
	"golang.org/x/sync/errgroup"
)

// ownedScheduler is a scheduler whose lifetime the client took over.
type ownedScheduler interface {
	Close(ctx context.Context)
}

// Client is the handle to a coordinator cluster, bound to its scheduler.
type Client struct {
	schedulerAddr string
	agent         *AgentClient

	mu    sync.Mutex
	owned ownedScheduler
}

func NewClient(schedulerAddr string) *Client {
	return &Client{
		schedulerAddr: schedulerAddr,
		agent:         NewAgentClient(DefaultAgentTimeout),
	}
}

// NewOwningClient binds to s and closes it on Close.
func NewOwningClient(schedulerAddr string, s ownedScheduler) *Client {
	c := NewClient(schedulerAddr)
	c.owned = s
	return c
}

func (c *Client) SchedulerAddress() string {
	return c.schedulerAddr
}

func (c *Client) Ping(ctx context.Context) error {
	return c.agent.Ping(ctx, c.schedulerAddr)
}

// Identity returns the scheduler's live view: cluster id plus every registered worker.
func (c *Client) Identity(ctx context.Context) (*api.IdentityResponse, error) {
	return c.agent.Identity(ctx, c.schedulerAddr)
}

func (c *Client) RunOnScheduler(ctx context.Context, proc string, args interface{}) (json.RawMessage, error) {
	return c.agent.Run(ctx, c.schedulerAddr, proc, args)
}

// RunOnWorkers calls proc on every worker concurrently, each call an
// independent round trip. argsFor supplies per-worker args. All calls run to
// completion; the first failure is returned alongside the results that did succeed.
func (c *Client) RunOnWorkers(ctx context.Context, workers []string, proc string, argsFor func(worker string) interface{}) (map[string]json.RawMessage, error) {
	var mu sync.Mutex
	results := make(map[string]json.RawMessage, len(workers))
	var eg errgroup.Group
	for _, worker := range workers {
		worker := worker
		eg.Go(func() error {
			out, err := c.agent.Run(ctx, worker, proc, argsFor(worker))
			if err != nil {
				klogging.Warning(ctx).WithError(err).With("worker", worker).With("proc", proc).Log("RunOnWorkerFailed", "")
				return err
			}
			mu.Lock()
			results[worker] = out
			mu.Unlock()
			return nil
		})
	}
	err := eg.Wait()
	return results, err
}

// Close closes the scheduler if this client owns it.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	owned := c.owned
	c.owned = nil
	c.mu.Unlock()
	if owned != nil {
		owned.Close(ctx)
	}
}
