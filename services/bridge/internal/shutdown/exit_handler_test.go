package shutdown

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExitHandler_SignalRunsHooksOnce(t *testing.T) {
	signalChan := make(chan os.Signal, 1)
	exitCodes := make(chan int, 2)
	handler := NewExitHandler(signalChan, func(code int) { exitCodes <- code })

	calls := 0
	handler.OnExit(func() { calls++ })

	done := make(chan struct{})
	go func() {
		handler.Run(context.Background())
		close(done)
	}()
	signalChan <- syscall.SIGTERM

	select {
	case code := <-exitCodes:
		assert.Equal(t, ExitCodeSigTerm, code)
	case <-time.After(2 * time.Second):
		assert.FailNow(t, "exit not called")
	}
	<-done

	handler.Exit(0)
	assert.Equal(t, 0, <-exitCodes)
	assert.Equal(t, 1, calls)
}

func TestExitHandler_ContextStopsRun(t *testing.T) {
	handler := NewExitHandler(make(chan os.Signal), func(code int) {
		assert.Fail(t, "should not exit")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler.Run(ctx)
}

func TestExitHandler_TerminatesRegistrar(t *testing.T) {
	ctx := context.Background()
	r := NewRegistrar(TerminateAndReplace)
	p := &fakeProcess{pid: 7}
	assert.NoError(t, r.Register(ctx, SlotSlave, &LaunchedProcessHandle{Kind: KindSlave, Proc: p}))

	handler := NewExitHandler(make(chan os.Signal), func(int) {})
	handler.OnExit(func() { r.TerminateAll(ctx) })
	handler.Exit(1)
	assert.Equal(t, 1, p.TerminateCount())
}
