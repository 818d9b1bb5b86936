package bridge

import (
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
)

func NoWorkersArrivedError(attempts int, elapsedMs int64) *kerror.Kerror {
	return kerror.Create("NoWorkersArrivedError", "no workers arrived").
		WithErrorCode(kerror.EC_TIMEOUT).
		With("attempts", attempts).
		With("elapsedMs", elapsedMs)
}

func ConvergenceCancelledError(err error, attempts int) *kerror.Kerror {
	return kerror.Wrap(err, "ConvergenceCancelled", "caller cancelled while waiting for workers", false).
		WithErrorCode(kerror.EC_TIMEOUT).
		With("attempts", attempts)
}
