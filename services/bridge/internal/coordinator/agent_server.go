package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/handler"
)

// agentServer serves the handler routes for one scheduler or worker.
type agentServer struct {
	listener net.Listener
	server   *http.Server
	address  string
}

// listenAgentServer binds host:port (port 0 picks a free one). Nothing is
// served until serve is called, so the agent can finish initializing against
// the bound address first.
func listenAgentServer(host string, port int, agent handler.Agent) (*agentServer, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, kerror.Wrap(err, "ListenFailed", "failed to bind agent port", true).
			WithErrorCode(kerror.EC_INTERNAL_ERROR).
			With("host", host).With("port", port)
	}
	mux := http.NewServeMux()
	handler.NewHandler(agent).RegisterRoutes(mux)
	return &agentServer{
		listener: listener,
		server:   &http.Server{Handler: mux},
		address:  "http://" + listener.Addr().String(),
	}, nil
}

// serve runs the http server in the background.
func (s *agentServer) serve(ctx context.Context) {
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klogging.Error(ctx).WithError(err).With("addr", s.address).Log("AgentServerError", "")
		}
	}()
	klogging.Info(ctx).With("addr", s.address).Log("AgentServerStarted", "")
}

func (s *agentServer) shutdown(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		klogging.Warning(ctx).WithError(err).With("addr", s.address).Log("AgentServerShutdownError", "")
	}
}
