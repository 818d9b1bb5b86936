package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/services/bridge/api"
)

// ErrorHandlingMiddleware 捕获 panic 并转换成 {error,msg,code} JSON
func ErrorHandlingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		startMs := kcommon.GetMonoTimeMs()
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logger := klogging.Warning(r.Context()).With("path", r.URL.Path).With("elapsedMs", kcommon.GetMonoTimeMs()-startMs)
			var ke *kerror.Kerror
			switch v := rec.(type) {
			case *kerror.Kerror:
				ke = v
			case error:
				ke = kerror.Create("InternalServerError", v.Error()).WithErrorCode(kerror.EC_UNKNOWN)
			default:
				ke = kerror.Create("UnknownPanic", "unexpected panic with non-error value").
					WithErrorCode(kerror.EC_UNKNOWN).
					With("panic_value", v)
			}
			logger.WithError(ke).Log("RequestFailed", "panic recovered in middleware")

			w.WriteHeader(ke.ErrorCode.ToHttpErrorCode())
			_ = json.NewEncoder(w).Encode(&api.ErrorResponse{
				Error: ke.Type,
				Msg:   ke.Msg,
				Code:  ke.ErrorCode.String(),
			})
		}()
		next.ServeHTTP(w, r)
	})
}
