package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/bridge"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/coordinator"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/etcdprov"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/launcher"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/procedure"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/shutdown"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/target"
)

const (
	SchedulerCommandName = "scheduler"
	WorkerCommandName    = "worker"
	ForwardCommandName   = "forward"
	ReverseCommandName   = "reverse"
)

type BridgeCommandFactory struct {
	ctx         context.Context
	cfg         *config.BridgeConfig
	exitHandler shutdown.ExitHandler
}

func NewBridgeCommandFactory(ctx context.Context, cfg *config.BridgeConfig, exitHandler shutdown.ExitHandler) *BridgeCommandFactory {
	return &BridgeCommandFactory{ctx: ctx, cfg: cfg, exitHandler: exitHandler}
}

func schedulerFlag() cli.StringFlag {
	return cli.StringFlag{
		Name:   "scheduler",
		Usage:  "coordinator scheduler address (http://host:port)",
		EnvVar: "BRIDGE_SCHEDULER",
	}
}

// agentProcs is the procedure set every agent in this binary serves.
func (factory *BridgeCommandFactory) agentProcs() *procedure.Registry {
	procs := procedure.NewRegistry()
	launcher.NewLauncher(factory.cfg, launcher.NewExecStarter()).RegisterProcedures(procs)
	return procs
}

func (factory *BridgeCommandFactory) MakeSchedulerCommand() cli.Command {
	return cli.Command{
		Name:        SchedulerCommandName,
		Usage:       "Runs a coordinator scheduler",
		Description: "bridge scheduler",
		Action:      factory.runScheduler,
	}
}

func (factory *BridgeCommandFactory) runScheduler(c *cli.Context) error {
	ctx := factory.ctx
	provider := etcdprov.NewDefEtcdProvider(ctx, factory.cfg)
	sched, err := coordinator.NewScheduler(ctx, factory.cfg, provider, factory.agentProcs(), nil)
	if err != nil {
		provider.Close(ctx)
		return cli.NewExitError(err.Error(), 1)
	}
	metricsServer := startMetricsServer(ctx, factory.cfg.MetricsPort, sched.MetricsRegistry())
	factory.exitHandler.OnExit(func() {
		sched.Close(ctx)
		provider.Close(ctx)
		stopMetricsServer(ctx, metricsServer)
	})
	fmt.Println(sched.Address())
	factory.exitHandler.Run(ctx)
	return nil
}

func (factory *BridgeCommandFactory) MakeWorkerCommand() cli.Command {
	return cli.Command{
		Name:        WorkerCommandName,
		Usage:       "Joins a coordinator scheduler as a worker",
		Description: "bridge worker --scheduler http://host:port",
		Flags:       []cli.Flag{schedulerFlag()},
		Action:      factory.runWorker,
	}
}

func (factory *BridgeCommandFactory) runWorker(c *cli.Context) error {
	ctx := factory.ctx
	schedulerAddr := c.String("scheduler")
	if schedulerAddr == "" {
		return cli.NewExitError("--scheduler is required", 2)
	}
	provider := etcdprov.NewDefEtcdProvider(ctx, factory.cfg)
	w, err := coordinator.NewWorker(ctx, factory.cfg, provider, factory.agentProcs(), nil, schedulerAddr)
	if err != nil {
		provider.Close(ctx)
		return cli.NewExitError(err.Error(), 1)
	}
	metricsServer := startMetricsServer(ctx, factory.cfg.MetricsPort)
	factory.exitHandler.OnExit(func() {
		w.Close(ctx)
		provider.Close(ctx)
		stopMetricsServer(ctx, metricsServer)
	})
	go func() {
		<-w.Done()
		klogging.Info(ctx).With("worker", w.Address()).Log("WorkerExit", "worker closed")
		factory.exitHandler.Exit(0)
	}()
	factory.exitHandler.Run(ctx)
	return nil
}

func (factory *BridgeCommandFactory) MakeForwardCommand() cli.Command {
	return cli.Command{
		Name:        ForwardCommandName,
		Usage:       "Starts a target cluster on the hosts of a coordinator cluster",
		Description: "bridge forward --scheduler http://host:port",
		Flags:       []cli.Flag{schedulerFlag()},
		Action:      factory.runForward,
	}
}

func (factory *BridgeCommandFactory) runForward(c *cli.Context) error {
	ctx := factory.ctx
	schedulerAddr := c.String("scheduler")
	if schedulerAddr == "" {
		return cli.NewExitError("--scheduler is required", 2)
	}
	tc, err := bridge.Forward(ctx, coordinator.NewClient(schedulerAddr), factory.cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Printf("master=%s parallelism=%d\n", tc.MasterAddress(), tc.DefaultParallelism())
	return nil
}

func (factory *BridgeCommandFactory) MakeReverseCommand() cli.Command {
	return cli.Command{
		Name:        ReverseCommandName,
		Usage:       "Starts a coordinator cluster on the execution slots of a target cluster",
		Description: "bridge reverse --master spark://host:7077 --slots N",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:   "master",
				Usage:  "target cluster master address; labels the handle, slots run in this process",
				EnvVar: "BRIDGE_TARGET_MASTER",
			},
			cli.IntFlag{
				Name:  "slots",
				Usage: "execution slots of the target cluster",
				Value: 1,
			},
		},
		Action: factory.runReverse,
	}
}

func (factory *BridgeCommandFactory) runReverse(c *cli.Context) error {
	ctx := factory.ctx
	master := c.String("master")
	if master == "" {
		return cli.NewExitError("--master is required", 2)
	}
	cfg := factory.cfg
	policy, err := bridge.PolicyFromConfig(cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	provider := etcdprov.NewDefEtcdProvider(ctx, cfg)
	procs := factory.agentProcs()

	var sched *coordinator.Scheduler
	newScheduler := func(ctx context.Context) (bridge.LocalScheduler, error) {
		s, err := coordinator.NewScheduler(ctx, cfg, provider, procs, nil)
		if err != nil {
			return nil, err
		}
		sched = s
		return s, nil
	}
	slots := bridge.NewSlotTable(func(ctx context.Context, schedulerAddr string) (bridge.BootstrappedWorker, error) {
		w, err := coordinator.NewWorker(ctx, cfg, provider, procs, nil, schedulerAddr)
		if err != nil {
			return nil, err
		}
		return w, nil
	}, cfg.SlotPollMs, nil)

	client, err := bridge.Reverse(ctx, target.NewClient(master, c.Int("slots")), newScheduler, slots, policy)
	if err != nil {
		provider.Close(ctx)
		return cli.NewExitError(err.Error(), 1)
	}
	metricsServer := startMetricsServer(ctx, cfg.MetricsPort, sched.MetricsRegistry())
	factory.exitHandler.OnExit(func() {
		client.Close(ctx)
		provider.Close(ctx)
		stopMetricsServer(ctx, metricsServer)
	})
	fmt.Println(client.SchedulerAddress())
	factory.exitHandler.Run(ctx)
	return nil
}
