package kmetrics

import (
	"context"
	"time"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
)

var (
	OpsLatencyMetric = CreateKmetric(context.Background(), "op_latency_ms", "latency of instrumented operations", []string{"method", "status", "error", "notes"})
)

// FuncTypeVoid signals failure by panicking with a Kerror.
type FuncTypeVoid func()

// FuncTypeError signals failure through its return value.
type FuncTypeError func(ctx context.Context) error

func recordOp(ctx context.Context, method string, start time.Time, errType string, notes string) {
	status := "OK"
	if errType != "" {
		status = "ERROR"
	}
	OpsLatencyMetric.GetTimeSequence(ctx, method, status, errType, notes).Add(time.Since(start).Milliseconds())
}

func errorTypeOf(err error) string {
	if err == nil {
		return ""
	}
	if ke, ok := err.(*kerror.Kerror); ok {
		return ke.Type
	}
	return "error"
}

// InstrumentSummaryRunVoid records latency/status of ef and re-panics its Kerror.
func InstrumentSummaryRunVoid(ctx context.Context, method string, ef FuncTypeVoid, customNotes string) {
	start := time.Now()
	var ke *kerror.Kerror
	func() {
		defer func() {
			if r := recover(); r != nil {
				switch v := r.(type) {
				case *kerror.Kerror:
					ke = v
				case error:
					ke = kerror.Create("InternalServerError", v.Error()).WithErrorCode(kerror.EC_UNKNOWN)
				default:
					klogging.Fatal(ctx).WithPanic(v).Log("InvalidPanic", "invalid panic with non-error value")
				}
			}
		}()
		ef()
	}()
	if ke != nil {
		recordOp(ctx, method, start, ke.Type, customNotes)
		panic(ke)
	}
	recordOp(ctx, method, start, "", customNotes)
}

// InstrumentSummaryRunError records latency/status of ef and returns its error.
// A panic inside ef is converted into the returned error.
func InstrumentSummaryRunError(ctx context.Context, method string, ef FuncTypeError, customNotes string) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *kerror.Kerror:
				err = v
			case error:
				err = kerror.Create("InternalServerError", v.Error()).WithErrorCode(kerror.EC_UNKNOWN)
			default:
				klogging.Fatal(ctx).WithPanic(v).Log("InvalidPanic", "invalid panic with non-error value")
			}
		}
		recordOp(ctx, method, start, errorTypeOf(err), customNotes)
	}()
	return ef(ctx)
}
