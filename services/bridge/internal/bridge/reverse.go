package bridge

import (
	"context"
	"time"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kmetrics"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/backoff"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/coordinator"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/target"
)

var (
	ConvergenceAttemptsMetric = kmetrics.CreateKmetric(context.Background(), "convergence_attempts", "poll attempts spent waiting for workers", []string{"result"})
)

// LocalScheduler is a freshly created, initially empty coordinator scheduler.
// *coordinator.Scheduler implements it.
type LocalScheduler interface {
	Address() string
	WorkerCount() int
	Close(ctx context.Context)
}

type SchedulerFactory func(ctx context.Context) (LocalScheduler, error)

// TargetRuntime is the part of a target cluster handle the reverse bridge
// needs. *target.Client implements it.
type TargetRuntime interface {
	DefaultParallelism() int
	RunPartitions(ctx context.Context, n int, fn target.PartitionFunc) (int, error)
}

// ConvergencePolicy bounds the wait for workers by attempts and by wall clock,
// whichever runs out first.
type ConvergencePolicy struct {
	MinWorkers  int
	MaxAttempts int
	Deadline    time.Duration
	Backoff     backoff.Strategy
	Clock       kcommon.TimeProvider // nil: process time provider
}

func PolicyFromConfig(cfg *config.BridgeConfig) (ConvergencePolicy, error) {
	strategy, err := backoff.FromName(cfg.ConvergenceBackoff,
		time.Duration(cfg.ConvergencePollMs)*time.Millisecond,
		time.Duration(cfg.ConvergenceBackoffMaxMs)*time.Millisecond)
	if err != nil {
		return ConvergencePolicy{}, err
	}
	return ConvergencePolicy{
		MinWorkers:  cfg.ConvergenceMinWorkers,
		MaxAttempts: cfg.ConvergenceMaxAttempts,
		Deadline:    time.Duration(cfg.ConvergenceDeadlineMs) * time.Millisecond,
		Backoff:     strategy,
	}, nil
}

// Reverse stands up a coordinator cluster on the target cluster's execution
// slots. A background task asks every slot to become a coordinator worker;
// the caller returns as soon as policy.MinWorkers workers registered. The two
// only meet through the scheduler's worker registry.
//
// On NoWorkersArrivedError or cancellation the new scheduler is closed.
func Reverse(ctx context.Context, rt TargetRuntime, newScheduler SchedulerFactory, slots *SlotTable, policy ConvergencePolicy) (*coordinator.Client, error) {
	var client *coordinator.Client
	err := kmetrics.InstrumentSummaryRunError(ctx, "bridge.Reverse", func(ctx context.Context) error {
		sched, err := newScheduler(ctx)
		if err != nil {
			return err
		}
		address := sched.Address()
		klogging.Info(ctx).With("scheduler", address).With("partitions", rt.DefaultParallelism()).
			Log("ReverseBridge", "scheduler created, dispatching workers")

		// not bound to ctx: the dispatch outlives this call
		bgCtx := klogging.AttachToCtx(context.Background(), klogging.GetCurrentCtxInfo(ctx))
		go func() {
			n, err := rt.RunPartitions(bgCtx, rt.DefaultParallelism(), func(ctx context.Context, task target.TaskContext) ([]string, error) {
				return slots.Guard(task.Slot).StartWorker(ctx, address)
			})
			klogging.Info(bgCtx).WithError(err).With("scheduler", address).With("records", n).
				Log("ReverseBridgeDispatchDone", "")
		}()

		if err := waitForWorkers(ctx, sched, policy); err != nil {
			sched.Close(context.Background())
			return err
		}
		client = coordinator.NewOwningClient(address, sched)
		return nil
	}, "")
	return client, err
}

// waitForWorkers polls sched until it has policy.MinWorkers workers.
func waitForWorkers(ctx context.Context, sched LocalScheduler, policy ConvergencePolicy) error {
	clock := policy.Clock
	if clock == nil {
		clock = kcommon.GetTimeProvider()
	}
	minWorkers := policy.MinWorkers
	if minWorkers < 1 {
		minWorkers = 1
	}
	deadlineMs := policy.Deadline.Milliseconds()
	startMs := clock.GetMonoTimeMs()
	for attempt := 1; ; attempt++ {
		count := sched.WorkerCount()
		if count >= minWorkers {
			ConvergenceAttemptsMetric.GetTimeSequence(ctx, "converged").Add(int64(attempt))
			klogging.Info(ctx).With("attempts", attempt).With("workers", count).Log("ReverseBridge", "workers arrived")
			return nil
		}
		elapsedMs := clock.GetMonoTimeMs() - startMs
		if attempt >= policy.MaxAttempts || (deadlineMs > 0 && elapsedMs >= deadlineMs) {
			ConvergenceAttemptsMetric.GetTimeSequence(ctx, "timeout").Add(int64(attempt))
			return NoWorkersArrivedError(attempt, elapsedMs)
		}
		if ctx.Err() != nil {
			ConvergenceAttemptsMetric.GetTimeSequence(ctx, "cancelled").Add(int64(attempt))
			return ConvergenceCancelledError(ctx.Err(), attempt)
		}
		if attempt%100 == 0 {
			klogging.Info(ctx).With("attempts", attempt).With("workers", count).Log("ReverseBridge", "waiting for workers")
		}
		clock.SleepMs(ctx, int(policy.Backoff.Delay(attempt).Milliseconds()))
	}
}
