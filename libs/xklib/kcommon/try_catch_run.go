package kcommon

import (
	"context"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
)

// TryCatchRun converts a panic raised inside fn into a returned Kerror.
// A panic with a non-error value is a programming bug and is fatal.
func TryCatchRun(ctx context.Context, fn func()) (ret *kerror.Kerror) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case *kerror.Kerror:
			ret = v
		case error:
			ret = kerror.Wrap(v, "UnknownError", v.Error(), true)
		default:
			klogging.Fatal(ctx).WithPanic(r).Log("NonErrorPanic", "")
			ret = kerror.Create("NonErrorPanic", "panic with non-error value").With("panic", r)
		}
	}()
	fn()
	return
}

// TryCatchRunErr is TryCatchRun for callers that want a plain error (nil-safe).
func TryCatchRunErr(ctx context.Context, fn func()) error {
	if ke := TryCatchRun(ctx, fn); ke != nil {
		return ke
	}
	return nil
}
