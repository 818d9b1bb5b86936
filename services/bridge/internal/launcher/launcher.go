package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kmetrics"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/procedure"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/shutdown"
)

const (
	ProcStartMaster = "start_master"
	ProcStartSlave  = "start_slave"

	SlaveStartedToken = "OK"
)

var (
	ProcessLaunchMetric = kmetrics.CreateKmetric(context.Background(), "process_launch_count", "target cluster processes launched", []string{"kind", "status"}).CountOnly()
)

type StartMasterArgs struct {
	Port int `json:"port,omitempty"` // 0: configured default
}

type StartSlaveArgs struct {
	Master      string `json:"master"`
	Cores       int    `json:"cores"`
	MemoryBytes *int64 `json:"memory_bytes"` // nil: configured default; 0 is passed through
}

// Launcher starts target cluster master/slave processes inside an agent and
// hands them to the agent's ShutdownRegistrar.
type Launcher struct {
	cfg     *config.BridgeConfig
	starter ProcessStarter
}

func NewLauncher(cfg *config.BridgeConfig, starter ProcessStarter) *Launcher {
	return &Launcher{cfg: cfg, starter: starter}
}

// RegisterProcedures exposes start_master and start_slave through reg.
func (l *Launcher) RegisterProcedures(reg *procedure.Registry) {
	reg.Register(ProcStartMaster, func(ctx context.Context, env *procedure.Env, args json.RawMessage) (interface{}, error) {
		var a StartMasterArgs
		if err := procedure.DecodeArgs(ProcStartMaster, args, &a); err != nil {
			return nil, err
		}
		return l.StartMaster(ctx, env, a)
	})
	reg.Register(ProcStartSlave, func(ctx context.Context, env *procedure.Env, args json.RawMessage) (interface{}, error) {
		var a StartSlaveArgs
		if err := procedure.DecodeArgs(ProcStartSlave, args, &a); err != nil {
			return nil, err
		}
		return l.StartSlave(ctx, env, a)
	})
}

// StartMaster starts a master bound to the host of the agent's own address and
// returns the master address.
func (l *Launcher) StartMaster(ctx context.Context, env *procedure.Env, args StartMasterArgs) (string, error) {
	port := args.Port
	if port == 0 {
		port = l.cfg.TargetMasterPort
	}
	host, err := HostFromAddress(env.Address)
	if err != nil {
		return "", err
	}
	cmdArgs := []string{"--host", host, "--port", strconv.Itoa(port)}
	if err := l.launch(ctx, env, shutdown.KindMaster, shutdown.SlotMaster, host, l.cfg.TargetMasterCmd, cmdArgs); err != nil {
		return "", err
	}
	return MasterAddress(l.cfg.TargetMasterScheme, host, port), nil
}

// StartSlave starts a slave pointed at args.Master and returns SlaveStartedToken.
func (l *Launcher) StartSlave(ctx context.Context, env *procedure.Env, args StartSlaveArgs) (string, error) {
	if args.Master == "" {
		return "", kerror.Create("InvalidArgs", "master address is required").WithErrorCode(kerror.EC_INVALID_PARAMETER)
	}
	memory := l.cfg.DefaultWorkerMemoryBytes
	if args.MemoryBytes != nil {
		memory = *args.MemoryBytes
	}
	host, err := HostFromAddress(env.Address)
	if err != nil {
		host = ""
	}
	cmdArgs := []string{args.Master, "--cores", strconv.Itoa(args.Cores), "--memory", FormatMemory(memory)}
	if err := l.launch(ctx, env, shutdown.KindSlave, shutdown.SlotSlave, host, l.cfg.TargetSlaveCmd, cmdArgs); err != nil {
		return "", err
	}
	return SlaveStartedToken, nil
}

func (l *Launcher) launch(ctx context.Context, env *procedure.Env, kind shutdown.Kind, slot string, host string, name string, cmdArgs []string) error {
	klogging.Info(ctx).With("kind", kind).With("cmd", name).With("args", strings.Join(cmdArgs, " ")).
		Log("LaunchProcess", "starting target cluster process")
	proc, err := l.starter.Start(ctx, name, cmdArgs)
	if err != nil {
		ProcessLaunchMetric.GetTimeSequence(ctx, string(kind), "spawn_failed").Add(1)
		return err
	}
	handle := &shutdown.LaunchedProcessHandle{Kind: kind, Host: host, Proc: proc}
	if err := env.Registrar.Register(ctx, slot, handle); err != nil {
		// not tracked by anyone: stop it rather than leak it
		_ = proc.Terminate()
		ProcessLaunchMetric.GetTimeSequence(ctx, string(kind), "rejected").Add(1)
		return err
	}
	ProcessLaunchMetric.GetTimeSequence(ctx, string(kind), "ok").Add(1)
	return nil
}

// HostFromAddress extracts the host from "scheme://host:port" or "host:port".
func HostFromAddress(addr string) (string, error) {
	hostport := addr
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", kerror.Wrap(err, "InvalidAddress", "cannot parse address", false).
				WithErrorCode(kerror.EC_INVALID_PARAMETER).With("address", addr)
		}
		hostport = u.Host
	}
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	if host == "" {
		return "", kerror.Create("InvalidAddress", "address has no host").
			WithErrorCode(kerror.EC_INVALID_PARAMETER).With("address", addr)
	}
	return host, nil
}

func MasterAddress(scheme string, host string, port int) string {
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

// FormatMemory renders a byte count the way the slave command expects it.
func FormatMemory(bytes int64) string {
	return strconv.FormatInt(bytes, 10) + "B"
}
