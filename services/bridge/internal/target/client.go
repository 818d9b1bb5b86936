package target

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"golang.org/x/sync/errgroup"
)

// TaskContext identifies one partition run and the execution slot running it.
type TaskContext struct {
	Partition int
	Slot      int
}

// PartitionFunc processes one partition and returns its records.
type PartitionFunc func(ctx context.Context, task TaskContext) ([]string, error)

// Client is an in-process slot executor standing in for the external target
// cluster runtime. The master address is carried for callers that need to
// name the cluster; RunPartitions never contacts it. Work is executed on a
// fixed number of execution slots, each running one partition at a time.
type Client struct {
	master string
	slots  int
}

func NewClient(master string, slots int) *Client {
	if slots < 1 {
		slots = 1
	}
	return &Client{master: master, slots: slots}
}

// MasterAddress is the label the handle was created with.
func (c *Client) MasterAddress() string {
	return c.master
}

// DefaultParallelism is the number of execution slots.
func (c *Client) DefaultParallelism() int {
	return c.slots
}

// RunPartitions runs fn over partitions [0, n) and returns the total record
// count. A failing partition does not affect the others: every partition runs
// to completion and the failures come back joined. Only ctx stops slots from
// picking up further partitions.
func (c *Client) RunPartitions(ctx context.Context, n int, fn PartitionFunc) (int, error) {
	if n < 0 {
		return 0, kerror.Create("InvalidArgs", "negative partition count").
			WithErrorCode(kerror.EC_INVALID_PARAMETER).With("n", n)
	}
	partitions := make(chan int, n)
	for i := 0; i < n; i++ {
		partitions <- i
	}
	close(partitions)

	var total atomic.Int64
	var mu sync.Mutex
	var errs []error
	var eg errgroup.Group
	for slot := 0; slot < c.slots; slot++ {
		slot := slot
		eg.Go(func() error {
			for partition := range partitions {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				records, err := fn(ctx, TaskContext{Partition: partition, Slot: slot})
				if err != nil {
					klogging.Warning(ctx).WithError(err).With("partition", partition).With("slot", slot).
						Log("PartitionFailed", "")
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					continue
				}
				total.Add(int64(len(records)))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 1 {
		return int(total.Load()), errs[0]
	}
	return int(total.Load()), errors.Join(errs...)
}
