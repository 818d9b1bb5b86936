package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kmetrics"
	"github.com/xinkaiwang/clusterbridge/services/bridge/api"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/common"
)

// Agent is the process behind the HTTP routes: a coordinator scheduler or worker.
type Agent interface {
	Identity(ctx context.Context) *api.IdentityResponse
	RunProcedure(ctx context.Context, req *api.RunRequest) (json.RawMessage, error)
}

type Handler struct {
	agent Agent
}

func NewHandler(agent Agent) *Handler {
	return &Handler{agent: agent}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/ping", ErrorHandlingMiddleware(http.HandlerFunc(h.PingHandler)))
	mux.Handle("/api/identity", ErrorHandlingMiddleware(http.HandlerFunc(h.IdentityHandler)))
	mux.Handle("/api/run", ErrorHandlingMiddleware(http.HandlerFunc(h.RunHandler)))
}

func requireMethod(r *http.Request, method string) {
	if r.Method != method {
		panic(kerror.Create("MethodNotAllowed", "only "+method+" method is allowed").
			WithErrorCode(kerror.EC_INVALID_PARAMETER))
	}
}

func writeJson(w http.ResponseWriter, resp interface{}) {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(kerror.Create("EncodingError", "failed to encode response").
			WithErrorCode(kerror.EC_INTERNAL_ERROR).
			With("error", err.Error()))
	}
}

// PingHandler doubles as the worker heartbeat target.
func (h *Handler) PingHandler(w http.ResponseWriter, r *http.Request) {
	requireMethod(r, http.MethodGet)
	klogging.Verbose(r.Context()).Log("PingRequest", "")
	writeJson(w, &api.PingResponse{
		Version:   common.GetVersion(),
		SessionId: common.GetSessionId(),
		Status:    "ok",
	})
}

func (h *Handler) IdentityHandler(w http.ResponseWriter, r *http.Request) {
	requireMethod(r, http.MethodGet)
	var resp *api.IdentityResponse
	kmetrics.InstrumentSummaryRunVoid(r.Context(), "agent.Identity", func() {
		resp = h.agent.Identity(r.Context())
	}, "")
	klogging.Debug(r.Context()).With("role", resp.Role).With("workers", len(resp.Workers)).Log("IdentityResponse", "")
	writeJson(w, resp)
}

func (h *Handler) RunHandler(w http.ResponseWriter, r *http.Request) {
	requireMethod(r, http.MethodPost)
	var req api.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		panic(kerror.Wrap(err, "InvalidRequest", "failed to decode run request", false).
			WithErrorCode(kerror.EC_INVALID_PARAMETER))
	}
	klogging.Info(r.Context()).With("proc", req.Proc).Log("RunRequest", "")

	var result json.RawMessage
	err := kmetrics.InstrumentSummaryRunError(r.Context(), "agent.Run", func(ctx context.Context) error {
		var err error
		result, err = h.agent.RunProcedure(ctx, &req)
		return err
	}, req.Proc)
	if err != nil {
		panic(kerror.AsKerror(err, "ProcedureFailed"))
	}
	writeJson(w, &api.RunResponse{Result: result})
}
