package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/services/bridge/api"
)

const DefaultAgentTimeout = 30 * time.Second

// AgentClient speaks the agent HTTP protocol to any scheduler or worker.
type AgentClient struct {
	httpClient *http.Client
}

func NewAgentClient(timeout time.Duration) *AgentClient {
	return &AgentClient{httpClient: &http.Client{Timeout: timeout}}
}

func (c *AgentClient) Ping(ctx context.Context, addr string) error {
	var resp api.PingResponse
	return c.do(ctx, http.MethodGet, addr, "/api/ping", "ping", nil, &resp)
}

func (c *AgentClient) Identity(ctx context.Context, addr string) (*api.IdentityResponse, error) {
	var resp api.IdentityResponse
	if err := c.do(ctx, http.MethodGet, addr, "/api/identity", "identity", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run invokes proc on the agent at addr; args is marshalled to JSON.
func (c *AgentClient) Run(ctx context.Context, addr string, proc string, args interface{}) (json.RawMessage, error) {
	req := &api.RunRequest{Proc: proc}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, kerror.Wrap(err, "EncodingError", "failed to encode procedure args", true).
				WithErrorCode(kerror.EC_INVALID_PARAMETER).With("proc", proc)
		}
		req.Args = data
	}
	var resp api.RunResponse
	if err := c.do(ctx, http.MethodPost, addr, "/api/run", proc, req, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func remoteFailure(addr string, proc string, msg string) *kerror.Kerror {
	return kerror.Create("RemoteExecutionFailure", msg).
		WithErrorCode(kerror.EC_INTERNAL_ERROR).
		With("target", addr).
		With("proc", proc)
}

func (c *AgentClient) do(ctx context.Context, method string, addr string, path string, proc string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return kerror.Wrap(err, "EncodingError", "failed to encode request", true).With("proc", proc)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(addr, "/")+path, reader)
	if err != nil {
		return kerror.Wrap(err, "RemoteExecutionFailure", "failed to build request", false).
			WithErrorCode(kerror.EC_INVALID_PARAMETER).
			With("target", addr).With("proc", proc)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return kerror.Wrap(err, "RemoteExecutionFailure", "request failed", false).
			WithErrorCode(kerror.EC_NETWORK_ERR).
			With("target", addr).With("proc", proc)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var remote api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil || remote.Error == "" {
			return remoteFailure(addr, proc, resp.Status).
				WithErrorCode(kerror.ErrorCodeFromHttpStatus(resp.StatusCode)).
				With("status", resp.StatusCode)
		}
		return remoteFailure(addr, proc, remote.Msg).
			WithErrorCode(kerror.ErrorCode(remote.Code)).
			With("status", resp.StatusCode).
			With("errorType", remote.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return kerror.Wrap(err, "RemoteExecutionFailure", "failed to decode response", false).
			WithErrorCode(kerror.EC_INTERNAL_ERROR).
			With("target", addr).With("proc", proc)
	}
	return nil
}
