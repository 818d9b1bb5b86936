package shutdown

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
)

const (
	ExitCodeSigInt  = 130
	ExitCodeSigTerm = 143
)

// ExitHandler runs the registered OnExit hooks exactly once before the process exits.
type ExitHandler interface {
	Run(ctx context.Context)
	OnExit(exitFunc func())
	Exit(code int)
}

// NewExitHandler: signalChan is normally fed by signal.Notify; systemExit is os.Exit.
func NewExitHandler(signalChan chan os.Signal, systemExit func(code int)) ExitHandler {
	return &exitHandler{
		signalChan: signalChan,
		systemExit: systemExit,
	}
}

type exitHandler struct {
	mu          sync.Mutex
	onExitFuncs []func()
	signalChan  chan os.Signal
	systemExit  func(int)
	once        sync.Once
}

// Run blocks until a terminating signal arrives or ctx is done. Only a signal exits the process.
func (e *exitHandler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-e.signalChan:
			switch sig {
			case os.Interrupt:
				klogging.Info(ctx).With("signal", sig.String()).Log("ExitSignal", "")
				e.Exit(ExitCodeSigInt)
				return
			case syscall.SIGTERM:
				klogging.Info(ctx).With("signal", sig.String()).Log("ExitSignal", "")
				e.Exit(ExitCodeSigTerm)
				return
			}
		}
	}
}

func (e *exitHandler) OnExit(exitFunc func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onExitFuncs = append(e.onExitFuncs, exitFunc)
}

func (e *exitHandler) Exit(code int) {
	e.once.Do(func() {
		e.mu.Lock()
		funcs := append([]func(){}, e.onExitFuncs...)
		e.mu.Unlock()
		for _, exitFunc := range funcs {
			exitFunc()
		}
	})
	e.systemExit(code)
}
