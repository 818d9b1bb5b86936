package launcher

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/shutdown"
)

// ProcessStarter spawns an out-of-process child. The child must outlive ctx.
type ProcessStarter interface {
	Start(ctx context.Context, name string, args []string) (shutdown.Process, error)
}

// ExecStarter runs real commands. Child output goes to this process's stdout/stderr.
type ExecStarter struct{}

func NewExecStarter() *ExecStarter {
	return &ExecStarter{}
}

func (s *ExecStarter) Start(ctx context.Context, name string, args []string) (shutdown.Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, kerror.Wrap(err, "SpawnFailed", "failed to start process", true).
			WithErrorCode(kerror.EC_INTERNAL_ERROR).
			With("cmd", name).
			With("args", args)
	}
	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	go proc.wait(ctx)
	return proc, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) wait(ctx context.Context) {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
	klogging.Info(context.Background()).With("pid", p.Pid()).WithError(err).Log("ProcessExited", p.cmd.Path)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Terminate sends SIGTERM. It fails once the process has already exited.
func (p *execProcess) Terminate() error {
	select {
	case <-p.done:
		return kerror.Create("ProcessAlreadyExited", "process already exited").With("pid", p.Pid())
	default:
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}
